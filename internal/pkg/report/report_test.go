package report

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	v1 "github.com/dominodatalab/registry-gc/internal/pkg/api/v1"
)

func TestWriteDeletionResult_WritesEvenWhenEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.json")
	err := WriteDeletionResult(path, v1.DeletionResult{}, Metadata{RegistryURL: "registry.example.com"})
	require.NoError(t, err)

	var doc Document
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &doc))
	require.Equal(t, float64(0), doc.Summary["dockerImagesDeleted"])
}
