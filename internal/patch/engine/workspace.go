package engine

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Artifacts names the scratch files produced while patching one data file.
// All of them live in the run directory.
type Artifacts struct {
	// Base is the data file's base name, e.g. "grid.h5".
	Base string

	Manifest         string // <base>.missvar
	Request          string // <base>_missing.bescmd
	SupplementalData string // <stem>_missing.<ext>
	DMRRequest       string // <stem>_missing.<ext>.dmr.bescmd
	DMR              string // <stem>_missing.<ext>.dmr
	ChunkDocument    string // <stem>_missing.<ext>.dmrpp
}

func newArtifacts(runDir, dataFile string) Artifacts {
	base := filepath.Base(dataFile)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	supp := filepath.Join(runDir, stem+"_missing"+ext)
	return Artifacts{
		Base:             base,
		Manifest:         filepath.Join(runDir, base+".missvar"),
		Request:          filepath.Join(runDir, base+"_missing.bescmd"),
		SupplementalData: supp,
		DMRRequest:       supp + ".dmr.bescmd",
		DMR:              supp + ".dmr",
		ChunkDocument:    supp + ".dmrpp",
	}
}

// All lists the artifacts in creation order.
func (a Artifacts) All() []string {
	return []string{a.Manifest, a.Request, a.SupplementalData, a.DMRRequest, a.DMR, a.ChunkDocument}
}

// Existing lists the artifacts present on disk.
func (a Artifacts) Existing() []string {
	var out []string
	for _, p := range a.All() {
		if _, err := os.Lstat(p); err == nil {
			out = append(out, p)
		}
	}
	return out
}

var (
	hdf5Signature = []byte{0x89, 'H', 'D', 'F', '\r', '\n', 0x1a, '\n'}
	// HDF5 allows a user block before the superblock; these are the offsets
	// a superblock may start at that matter in practice.
	hdf5SignatureOffsets = []int64{0, 512, 1024, 2048}
	netcdfClassicMagic   = []byte("CDF")
)

// sniffArrayFile reports whether path starts like an HDF5 or netCDF file.
func sniffArrayFile(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer func() { _ = f.Close() }()

	buf := make([]byte, len(hdf5Signature))
	for _, off := range hdf5SignatureOffsets {
		if _, err := f.ReadAt(buf, off); err != nil {
			if err == io.EOF {
				break
			}
			return false, err
		}
		if bytes.Equal(buf, hdf5Signature) {
			return true, nil
		}
		if off == 0 && bytes.HasPrefix(buf, netcdfClassicMagic) && (buf[3] == 1 || buf[3] == 2 || buf[3] == 5) {
			return true, nil
		}
	}
	return false, nil
}
