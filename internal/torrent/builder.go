// Package torrent assembles content-addressed torrent artifacts for packaged
// entry ranges.
package torrent

import (
	"crypto/sha1"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"

	"github.com/heliotorrent/heliotorrent/internal/state"
	"github.com/heliotorrent/heliotorrent/internal/tlog"
)

// DefaultPieceLength is fixed so that independently built artifacts for the
// same range have a chance of converging on the same info hash.
const DefaultPieceLength int64 = 1 << 20

// Package is the durable output for one entry range. Created once, then
// immutable.
type Package struct {
	Range       tlog.EntryRange
	Path        string
	InfoHash    string
	TorrentSize int64 // size of the .torrent artifact itself
	DataSize    int64 // total size of the packaged tile files
	CreatedAt   time.Time
	Webseeds    []string
}

// Builder constructs torrent artifacts over a log's mirror directory.
type Builder struct {
	CreatedBy   string
	Trackers    []string
	PieceLength int64
}

// Assemble builds the artifact for r, or reuses the existing one if a
// previous run already produced it. Preconditions: every group member is
// present and finalized in the mirror.
//
// The member list is exactly the range's tile group plus the log's manifest
// file; nothing else below the mirror root is included.
func (b *Builder) Assemble(layout state.Layout, r tlog.EntryRange, webseeds []string) (*Package, error) {
	outPath := layout.TorrentPath(r)
	if _, err := os.Stat(outPath); err == nil {
		pkg, err := ReadPackage(outPath)
		if err != nil {
			return nil, fmt.Errorf("existing artifact %s is unreadable: %w", outPath, err)
		}
		return pkg, nil
	}

	members := []string{state.ReadmeName}
	for _, t := range r.Group() {
		members = append(members, t.Path())
	}
	sort.Strings(members)

	root := layout.StorageDir()
	var files []metainfo.FileInfo
	var dataSize int64
	for _, rel := range members {
		info, err := os.Stat(filepath.Join(root, filepath.FromSlash(rel)))
		if err != nil {
			return nil, fmt.Errorf("member file missing: %w", err)
		}
		files = append(files, metainfo.FileInfo{
			Length: info.Size(),
			Path:   strings.Split(rel, "/"),
		})
		dataSize += info.Size()
	}

	pieceLength := b.PieceLength
	if pieceLength <= 0 {
		pieceLength = DefaultPieceLength
	}

	pieces, err := hashPieces(root, members, pieceLength)
	if err != nil {
		return nil, fmt.Errorf("hash pieces: %w", err)
	}

	info := metainfo.Info{
		Name:        layout.LogName + "-" + r.Name(),
		PieceLength: pieceLength,
		Pieces:      pieces,
		Files:       files,
	}
	infoBytes, err := bencode.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("encode info: %w", err)
	}

	now := time.Now().UTC()
	mi := metainfo.MetaInfo{
		InfoBytes:    infoBytes,
		CreatedBy:    b.CreatedBy,
		CreationDate: now.Unix(),
		UrlList:      metainfo.UrlList(webseeds),
	}
	if len(b.Trackers) > 0 {
		mi.Announce = b.Trackers[0]
		for _, tr := range b.Trackers {
			mi.AnnounceList = append(mi.AnnounceList, []string{tr})
		}
	}

	if err := writeAtomic(outPath, &mi); err != nil {
		return nil, err
	}

	stat, err := os.Stat(outPath)
	if err != nil {
		return nil, fmt.Errorf("stat artifact: %w", err)
	}

	return &Package{
		Range:       r,
		Path:        outPath,
		InfoHash:    mi.HashInfoBytes().HexString(),
		TorrentSize: stat.Size(),
		DataSize:    dataSize,
		CreatedAt:   now,
		Webseeds:    webseeds,
	}, nil
}

// hashPieces computes the SHA-1 piece hashes over the member files
// concatenated in listing order.
func hashPieces(root string, members []string, pieceLength int64) ([]byte, error) {
	var pieces []byte
	h := sha1.New()
	var inPiece int64

	for _, rel := range members {
		f, err := os.Open(filepath.Join(root, filepath.FromSlash(rel)))
		if err != nil {
			return nil, err
		}
		for {
			n, err := io.CopyN(h, f, pieceLength-inPiece)
			inPiece += n
			if inPiece == pieceLength {
				pieces = h.Sum(pieces)
				h.Reset()
				inPiece = 0
			}
			if err == io.EOF {
				break
			}
			if err != nil {
				f.Close()
				return nil, err
			}
		}
		f.Close()
	}
	if inPiece > 0 {
		pieces = h.Sum(pieces)
	}
	return pieces, nil
}

// writeAtomic writes the metainfo to a temporary file and renames it into
// place, so a crash never leaves a half-written artifact visible.
func writeAtomic(path string, mi *metainfo.MetaInfo) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}
	err = mi.Write(f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}

// ReadPackage reconstructs a Package value from an artifact on disk. Used
// both for idempotent reuse and for rehydrating feed state at startup.
func ReadPackage(path string) (*Package, error) {
	r, ok := state.ParseTorrentName(filepath.Base(path))
	if !ok {
		return nil, fmt.Errorf("artifact name %q does not encode an entry range", filepath.Base(path))
	}

	mi, err := metainfo.LoadFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	info, err := mi.UnmarshalInfo()
	if err != nil {
		return nil, fmt.Errorf("decode info in %s: %w", path, err)
	}

	var dataSize int64
	if len(info.Files) > 0 {
		for _, f := range info.Files {
			dataSize += f.Length
		}
	} else {
		dataSize = info.Length
	}

	stat, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	created := stat.ModTime().UTC()
	if mi.CreationDate > 0 {
		created = time.Unix(mi.CreationDate, 0).UTC()
	}

	return &Package{
		Range:       r,
		Path:        path,
		InfoHash:    mi.HashInfoBytes().HexString(),
		TorrentSize: stat.Size(),
		DataSize:    dataSize,
		CreatedAt:   created,
		Webseeds:    []string(mi.UrlList),
	}, nil
}
