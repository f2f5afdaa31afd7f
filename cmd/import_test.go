package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketscope/enrich-cli/internal/model"
)

func TestParseClientsCSV(t *testing.T) {
	csv := strings.Join([]string{
		"name,registry_id,primary_product",
		"Acme Embalagens,11.222.333/0001-81,filme stretch",
		"Beta Plásticos,,",
	}, "\n")

	clients, skipped, err := parseClientsCSV(strings.NewReader(csv), "run-1", "proj-1")
	require.NoError(t, err)
	assert.Zero(t, skipped)
	require.Len(t, clients, 2)

	assert.Equal(t, "Acme Embalagens", clients[0].Name)
	assert.Equal(t, "11.222.333/0001-81", clients[0].RegistryID)
	assert.Equal(t, "filme stretch", clients[0].PrimaryProduct)
	assert.Equal(t, "run-1", clients[0].RunID)
	assert.Equal(t, "proj-1", clients[0].ProjectID)
	assert.Equal(t, model.ClientPending, clients[0].Status)

	assert.Empty(t, clients[1].RegistryID)
}

func TestParseClientsCSV_SkipsInvalidRows(t *testing.T) {
	csv := strings.Join([]string{
		"name,registry_id",
		"Acme,11.222.333/0001-81",
		"Bad CNPJ Co,00.000.000/0000-00",
		"X,", // name too short
	}, "\n")

	clients, skipped, err := parseClientsCSV(strings.NewReader(csv), "run-1", "")
	require.NoError(t, err)
	assert.Equal(t, 2, skipped)
	require.Len(t, clients, 1)
	assert.Equal(t, "Acme", clients[0].Name)
}

func TestParseClientsCSV_ColumnOrderIndependent(t *testing.T) {
	csv := strings.Join([]string{
		"primary_product,name",
		"tubes,Gamma Ind",
	}, "\n")

	clients, _, err := parseClientsCSV(strings.NewReader(csv), "run-1", "")
	require.NoError(t, err)
	require.Len(t, clients, 1)
	assert.Equal(t, "Gamma Ind", clients[0].Name)
	assert.Equal(t, "tubes", clients[0].PrimaryProduct)
}

func TestParseClientsCSV_MissingNameColumn(t *testing.T) {
	_, _, err := parseClientsCSV(strings.NewReader("registry_id\n123\n"), "run-1", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "name")
}
