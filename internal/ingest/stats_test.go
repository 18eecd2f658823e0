package ingest

import (
	"encoding/json"
	"testing"

	crerr "github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSourceResult_JSONCarriesErrorMessage(t *testing.T) {
	report := RunReport{
		RunID: "r1",
		Sources: []SourceResult{
			{SourceID: "district", Stop: StopFetchError, Err: crerr.Wrap(crerr.New("status 503"), "fetch first page")},
			{SourceID: "league", Stop: StopNoNext},
		},
	}

	raw, err := json.Marshal(report)
	require.NoError(t, err)

	var decoded struct {
		Sources []map[string]any
	}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Len(t, decoded.Sources, 2)
	assert.Equal(t, "fetch first page: status 503", decoded.Sources[0]["Err"])
	assert.Equal(t, "district", decoded.Sources[0]["SourceID"])
	assert.Equal(t, string(StopFetchError), decoded.Sources[0]["Stop"])
	assert.NotContains(t, decoded.Sources[1], "Err")
}
