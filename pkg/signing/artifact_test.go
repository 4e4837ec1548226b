package signing

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildCodeDirectory returns a minimal CodeDirectory carrying only the
// identifier and team id strings
func buildCodeDirectory(identifier, teamID string) []byte {
	const headerSize = 52
	identOffset := uint32(headerSize)
	teamOffset := identOffset + uint32(len(identifier)) + 1
	size := teamOffset + uint32(len(teamID)) + 1

	cd := make([]byte, size)
	binary.BigEndian.PutUint32(cd[0:], csMagicCodeDirectory)
	binary.BigEndian.PutUint32(cd[4:], size)
	binary.BigEndian.PutUint32(cd[8:], 0x20400)
	binary.BigEndian.PutUint32(cd[20:], identOffset)
	binary.BigEndian.PutUint32(cd[48:], teamOffset)
	copy(cd[identOffset:], identifier)
	copy(cd[teamOffset:], teamID)
	return cd
}

func wrapBlob(magic uint32, payload []byte) []byte {
	blob := make([]byte, 8+len(payload))
	binary.BigEndian.PutUint32(blob[0:], magic)
	binary.BigEndian.PutUint32(blob[4:], uint32(len(blob)))
	copy(blob[8:], payload)
	return blob
}

type slotBlob struct {
	slot uint32
	data []byte
}

func buildSuperBlob(blobs ...slotBlob) []byte {
	header := 12 + 8*len(blobs)
	total := header
	for _, b := range blobs {
		total += len(b.data)
	}

	sb := make([]byte, total)
	binary.BigEndian.PutUint32(sb[0:], csMagicEmbeddedSignature)
	binary.BigEndian.PutUint32(sb[4:], uint32(total))
	binary.BigEndian.PutUint32(sb[8:], uint32(len(blobs)))

	offset := header
	for i, b := range blobs {
		binary.BigEndian.PutUint32(sb[12+i*8:], b.slot)
		binary.BigEndian.PutUint32(sb[16+i*8:], uint32(offset))
		copy(sb[offset:], b.data)
		offset += len(b.data)
	}
	return sb
}

func TestParseEmbeddedSignature(t *testing.T) {
	cert, key := newTestCertificate(t, testIdentity, 42)
	cd := buildCodeDirectory("com.example.app", testTeamID)
	cms := signCMS(t, cd, cert, key, true)

	signer, err := parseEmbeddedSignature(buildSuperBlob(
		slotBlob{csSlotCodeDirectory, cd},
		slotBlob{csSlotSignature, wrapBlob(csMagicBlobWrapper, cms)},
	))
	require.NoError(t, err)
	assert.Equal(t, "com.example.app", signer.Identifier)
	assert.Equal(t, testTeamID, signer.TeamID)
	assert.Equal(t, testIdentity, signer.CommonName)
}

func TestParseEmbeddedSignature_AdHoc(t *testing.T) {
	cd := buildCodeDirectory("a.out", "")

	signer, err := parseEmbeddedSignature(buildSuperBlob(
		slotBlob{csSlotCodeDirectory, cd},
		slotBlob{csSlotSignature, wrapBlob(csMagicBlobWrapper, nil)},
	))
	require.NoError(t, err)
	assert.Equal(t, "a.out", signer.Identifier)
	assert.Empty(t, signer.CommonName)
	assert.Empty(t, signer.TeamID)
}

func TestParseEmbeddedSignature_Invalid(t *testing.T) {
	_, err := parseEmbeddedSignature([]byte{0x01, 0x02})
	assert.Error(t, err)

	bad := buildSuperBlob()
	binary.BigEndian.PutUint32(bad[0:], 0xdeadbeef)
	_, err = parseEmbeddedSignature(bad)
	assert.Error(t, err)

	truncated := buildSuperBlob()
	binary.BigEndian.PutUint32(truncated[8:], 4)
	_, err = parseEmbeddedSignature(truncated)
	assert.Error(t, err)
}

func TestParseEmbeddedSignature_SkipsOutOfRangeBlobs(t *testing.T) {
	sb := buildSuperBlob(slotBlob{csSlotCodeDirectory, buildCodeDirectory("id", "")})
	binary.BigEndian.PutUint32(sb[16:], uint32(len(sb)+100))

	signer, err := parseEmbeddedSignature(sb)
	require.NoError(t, err)
	assert.Empty(t, signer.Identifier)
}

func TestReadArtifactSigner_NotMachO(t *testing.T) {
	path := filepath.Join(t.TempDir(), "script.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\necho hi\n"), 0755))

	_, err := ReadArtifactSigner(path)
	assert.Error(t, err)

	_, err = ReadArtifactSigner(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestArtifactSignerMismatchError(t *testing.T) {
	var err error = &ArtifactSignerMismatchError{Path: "bin", Expected: testIdentity, Actual: "Other"}
	var mismatch *ArtifactSignerMismatchError
	require.True(t, errors.As(err, &mismatch))
	assert.Contains(t, err.Error(), "Other")

	err = &ArtifactSignerMismatchError{Path: "bin", Expected: testIdentity}
	assert.Contains(t, err.Error(), "not signed")
}
