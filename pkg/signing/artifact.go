package signing

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/blacktop/go-macho"
	"go.mozilla.org/pkcs7"
)

// Code signature blob magics and slots
const (
	csMagicEmbeddedSignature = 0xfade0cc0
	csMagicCodeDirectory     = 0xfade0c02
	csMagicBlobWrapper       = 0xfade0b01

	csSlotCodeDirectory = 0x0
	csSlotSignature     = 0x10000

	cdTeamOffsetMinVersion = 0x20200
)

// ErrNotSigned is returned for Mach-O binaries without a code signature
var ErrNotSigned = errors.New("binary has no code signature")

// ArtifactSigner describes who signed a Mach-O binary
type ArtifactSigner struct {
	Path string
	// CommonName is the CN of the CMS signer certificate; empty for ad-hoc signatures.
	CommonName string
	TeamID     string
	// Identifier is the code directory identifier, usually the bundle id.
	Identifier string
}

// ReadArtifactSigner reads the code signature of the Mach-O at path. Only the
// first slice of a fat binary is inspected.
func ReadArtifactSigner(path string) (*ArtifactSigner, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read binary: %w", err)
	}

	slice, err := firstMachOSlice(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	m, err := macho.NewFile(bytes.NewReader(slice))
	if err != nil {
		return nil, fmt.Errorf("failed to parse Mach-O %s: %w", path, err)
	}
	defer m.Close()

	var sigData []byte
	for _, load := range m.Loads {
		if cs, ok := load.(*macho.CodeSignature); ok {
			end := uint64(cs.Offset) + uint64(cs.Size)
			if end > uint64(len(slice)) {
				return nil, fmt.Errorf("%s: code signature extends beyond file", path)
			}
			sigData = slice[cs.Offset:end]
			break
		}
	}
	if sigData == nil {
		return nil, fmt.Errorf("%s: %w", path, ErrNotSigned)
	}

	signer, err := parseEmbeddedSignature(sigData)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	signer.Path = path
	return signer, nil
}

func firstMachOSlice(data []byte) ([]byte, error) {
	if m, err := macho.NewFile(bytes.NewReader(data)); err == nil {
		m.Close()
		return data, nil
	}

	fat, err := macho.NewFatFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("not a Mach-O binary: %w", err)
	}
	defer fat.Close()

	if len(fat.Arches) == 0 {
		return nil, fmt.Errorf("fat binary has no architectures")
	}
	arch := fat.Arches[0]
	end := uint64(arch.Offset) + uint64(arch.Size)
	if end > uint64(len(data)) {
		return nil, fmt.Errorf("fat slice extends beyond file")
	}
	return data[arch.Offset:end], nil
}

// parseEmbeddedSignature walks a SuperBlob and reads the code directory
// identifiers and the CMS signer
func parseEmbeddedSignature(sig []byte) (*ArtifactSigner, error) {
	if len(sig) < 12 {
		return nil, fmt.Errorf("signature data too short")
	}
	if magic := binary.BigEndian.Uint32(sig[0:4]); magic != csMagicEmbeddedSignature {
		return nil, fmt.Errorf("invalid SuperBlob magic: 0x%x", magic)
	}

	count := binary.BigEndian.Uint32(sig[8:12])
	if uint64(len(sig)) < 12+uint64(count)*8 {
		return nil, fmt.Errorf("signature data too short for blob index")
	}

	signer := &ArtifactSigner{}
	for i := uint32(0); i < count; i++ {
		entry := 12 + i*8
		slot := binary.BigEndian.Uint32(sig[entry:])
		offset := binary.BigEndian.Uint32(sig[entry+4:])

		blob, ok := blobAt(sig, offset)
		if !ok {
			continue
		}
		magic := binary.BigEndian.Uint32(blob[0:4])

		switch {
		case slot == csSlotCodeDirectory && magic == csMagicCodeDirectory:
			signer.Identifier, signer.TeamID = parseCodeDirectoryIDs(blob)
		case slot == csSlotSignature && magic == csMagicBlobWrapper:
			if cn, team, err := cmsSigner(blob[8:]); err == nil {
				signer.CommonName = cn
				if team != "" {
					signer.TeamID = team
				}
			}
		}
	}
	return signer, nil
}

func blobAt(sig []byte, offset uint32) ([]byte, bool) {
	if uint64(offset)+8 > uint64(len(sig)) {
		return nil, false
	}
	size := binary.BigEndian.Uint32(sig[offset+4:])
	end := uint64(offset) + uint64(size)
	if size < 8 || end > uint64(len(sig)) {
		return nil, false
	}
	return sig[offset:end], true
}

// parseCodeDirectoryIDs returns the identifier and team id of a CodeDirectory blob
func parseCodeDirectoryIDs(cd []byte) (identifier, teamID string) {
	if len(cd) < 24 {
		return "", ""
	}
	version := binary.BigEndian.Uint32(cd[8:12])
	identifier = cString(cd, binary.BigEndian.Uint32(cd[20:24]))
	if version >= cdTeamOffsetMinVersion && len(cd) >= 52 {
		if off := binary.BigEndian.Uint32(cd[48:52]); off != 0 {
			teamID = cString(cd, off)
		}
	}
	return identifier, teamID
}

func cString(b []byte, offset uint32) string {
	if uint64(offset) >= uint64(len(b)) {
		return ""
	}
	s := b[offset:]
	if i := bytes.IndexByte(s, 0); i >= 0 {
		s = s[:i]
	}
	return string(s)
}

// cmsSigner returns the CN and team id of the certificate that produced the
// CMS signature
func cmsSigner(cms []byte) (string, string, error) {
	if len(cms) == 0 {
		return "", "", fmt.Errorf("empty CMS signature")
	}
	p7, err := pkcs7.Parse(cms)
	if err != nil {
		return "", "", err
	}
	if len(p7.Signers) == 0 {
		return "", "", fmt.Errorf("CMS signature has no signers")
	}
	serial := p7.Signers[0].IssuerAndSerialNumber.SerialNumber
	for _, cert := range p7.Certificates {
		if cert.SerialNumber.Cmp(serial) != 0 {
			continue
		}
		var team string
		for _, ou := range cert.Subject.OrganizationalUnit {
			if len(ou) == 10 && isAlphanumeric(ou) {
				team = ou
				break
			}
		}
		return cert.Subject.CommonName, team, nil
	}
	return "", "", fmt.Errorf("CMS signer certificate not found")
}

// isAlphanumeric checks for the upper-case alphanumerics Apple team ids use
func isAlphanumeric(s string) bool {
	for _, r := range s {
		if !((r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			return false
		}
	}
	return true
}
