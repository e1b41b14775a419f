//go:build !linux

package storage

func statFilesystem(string) (string, error) {
	return "", errFSDetectUnsupported
}
