package backup

import (
	"archive/tar"
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleSchema2Manifest = `{
  "schemaVersion": 2,
  "mediaType": "application/vnd.docker.distribution.manifest.v2+json",
  "config": {
    "mediaType": "application/vnd.docker.container.image.v1+json",
    "size": 1470,
    "digest": "sha256:1111111111111111111111111111111111111111111111111111111111111111"
  },
  "layers": [
    {
      "mediaType": "application/vnd.docker.image.rootfs.diff.tar.gzip",
      "size": 100,
      "digest": "sha256:2222222222222222222222222222222222222222222222222222222222222222"
    }
  ]
}`

func TestManifestBlobDigests_IncludesConfigAndLayers(t *testing.T) {
	blobs, err := manifestBlobDigests([]byte(sampleSchema2Manifest), "application/vnd.docker.distribution.manifest.v2+json")
	require.NoError(t, err)
	require.Len(t, blobs, 2)
	require.Equal(t, "1111111111111111111111111111111111111111111111111111111111111111", blobs[0].Digest.Encoded())
	require.Equal(t, "2222222222222222222222222222222222222222222222222222222222222222", blobs[1].Digest.Encoded())
}

func TestAddTarEntry_WritesRetrievableContent(t *testing.T) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	require.NoError(t, addTarEntry(tw, "manifest.json", []byte("hello")))
	require.NoError(t, tw.Close())

	tr := tar.NewReader(&buf)
	hdr, err := tr.Next()
	require.NoError(t, err)
	require.Equal(t, "manifest.json", hdr.Name)
	require.EqualValues(t, 5, hdr.Size)
}
