package index

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/klauspost/compress/snappy"

	"github.com/stratafs/stratafs/pkg/fingerprint"
	"github.com/stratafs/stratafs/pkg/storage"
)

// Partition file layout:
//
//	magic (4 bytes) | header length (uint32 BE) | JSON header | data
//
// The data section holds one snappy-compressed block per column
// followed by a serialized bloom filter of the fingerprints. Offsets
// in the header are relative to the data section, so selective scans
// read only the columns they need.
var partitionMagic = [4]byte{'S', 'C', 'P', '1'}

// bloomFalsePositiveRate tunes the per-partition fingerprint filter.
const bloomFalsePositiveRate = 0.01

// Column types understood by the format.
const (
	colString  = "string"
	colInt64   = "int64"
	colFloat64 = "float64"
	colJSON    = "json"
)

// columnDef describes one column: its wire type plus how to pull the
// value out of a Record and put it back.
type columnDef struct {
	Name string
	Type string
}

// columnSchema is the full column-grouped schema, in file order.
var columnSchema = []columnDef{
	{"fingerprint", colString},
	{"codec", colString},
	{"hash_algorithm", colString},
	{"size_bytes", colInt64},
	{"block_count", colInt64},
	{"locations", colJSON},
	{"access_count", colInt64},
	{"last_access", colInt64},
	{"heat_score", colFloat64},
	{"created_at", colInt64},
	{"updated_at", colInt64},
	{"mime_type", colString},
	{"name", colString},
	{"tags", colJSON},
	{"properties", colJSON},
	{"deleted_at", colInt64},
}

type columnLayout struct {
	Name   string `json:"name"`
	Type   string `json:"type"`
	Offset int64  `json:"offset"`
	Size   int64  `json:"size"`
}

type partitionHeader struct {
	Version     int            `json:"version"`
	PartitionID uint64         `json:"partition_id"`
	RowCount    int            `json:"row_count"`
	CreatedAt   time.Time      `json:"created_at"`
	Columns     []columnLayout `json:"columns"`
	BloomOffset int64          `json:"bloom_offset"`
	BloomSize   int64          `json:"bloom_size"`
}

// extractColumn pulls one column's values out of a record slice.
func extractColumn(def columnDef, records []*Record) (interface{}, error) {
	switch def.Name {
	case "fingerprint":
		out := make([]string, len(records))
		for i, r := range records {
			out[i] = r.Fingerprint.String()
		}
		return out, nil
	case "codec":
		out := make([]string, len(records))
		for i, r := range records {
			out[i] = r.Codec
		}
		return out, nil
	case "hash_algorithm":
		out := make([]string, len(records))
		for i, r := range records {
			out[i] = r.HashAlgorithm
		}
		return out, nil
	case "size_bytes":
		out := make([]int64, len(records))
		for i, r := range records {
			out[i] = r.SizeBytes
		}
		return out, nil
	case "block_count":
		out := make([]int64, len(records))
		for i, r := range records {
			out[i] = r.BlockCount
		}
		return out, nil
	case "locations":
		out := make([]string, len(records))
		for i, r := range records {
			raw, err := json.Marshal(r.Locations)
			if err != nil {
				return nil, err
			}
			out[i] = string(raw)
		}
		return out, nil
	case "access_count":
		out := make([]int64, len(records))
		for i, r := range records {
			out[i] = r.AccessCount
		}
		return out, nil
	case "last_access":
		out := make([]int64, len(records))
		for i, r := range records {
			out[i] = timeToUnix(r.LastAccess)
		}
		return out, nil
	case "heat_score":
		out := make([]float64, len(records))
		for i, r := range records {
			out[i] = r.HeatScore
		}
		return out, nil
	case "created_at":
		out := make([]int64, len(records))
		for i, r := range records {
			out[i] = timeToUnix(r.CreatedAt)
		}
		return out, nil
	case "updated_at":
		out := make([]int64, len(records))
		for i, r := range records {
			out[i] = timeToUnix(r.UpdatedAt)
		}
		return out, nil
	case "mime_type":
		out := make([]string, len(records))
		for i, r := range records {
			out[i] = r.MimeType
		}
		return out, nil
	case "name":
		out := make([]string, len(records))
		for i, r := range records {
			out[i] = r.Name
		}
		return out, nil
	case "tags":
		out := make([]string, len(records))
		for i, r := range records {
			raw, err := json.Marshal(r.Tags)
			if err != nil {
				return nil, err
			}
			out[i] = string(raw)
		}
		return out, nil
	case "properties":
		out := make([]string, len(records))
		for i, r := range records {
			raw, err := json.Marshal(r.Properties)
			if err != nil {
				return nil, err
			}
			out[i] = string(raw)
		}
		return out, nil
	case "deleted_at":
		out := make([]int64, len(records))
		for i, r := range records {
			out[i] = timeToUnix(r.DeletedAt)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unknown column %q", def.Name)
}

func timeToUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func unixToTime(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// WritePartition serializes records into a columnar partition file,
// staging through a temp path and renaming into place. It returns the
// hex SHA-256 content hash of the final file.
func WritePartition(path string, id uint64, records []*Record) (string, error) {
	var data bytes.Buffer
	layouts := make([]columnLayout, 0, len(columnSchema))

	for _, def := range columnSchema {
		values, err := extractColumn(def, records)
		if err != nil {
			return "", fmt.Errorf("extract column %s: %w", def.Name, err)
		}
		raw, err := json.Marshal(values)
		if err != nil {
			return "", fmt.Errorf("encode column %s: %w", def.Name, err)
		}
		block := snappy.Encode(nil, raw)
		layouts = append(layouts, columnLayout{
			Name:   def.Name,
			Type:   def.Type,
			Offset: int64(data.Len()),
			Size:   int64(len(block)),
		})
		data.Write(block)
	}

	filter := bloom.NewWithEstimates(uint(len(records))+1, bloomFalsePositiveRate)
	for _, r := range records {
		filter.AddString(r.Fingerprint.Key())
	}
	bloomOffset := int64(data.Len())
	bloomSize, err := filter.WriteTo(&data)
	if err != nil {
		return "", fmt.Errorf("serialize bloom filter: %w", err)
	}

	header := partitionHeader{
		Version:     1,
		PartitionID: id,
		RowCount:    len(records),
		CreatedAt:   time.Now().UTC(),
		Columns:     layouts,
		BloomOffset: bloomOffset,
		BloomSize:   bloomSize,
	}
	headerRaw, err := json.Marshal(&header)
	if err != nil {
		return "", fmt.Errorf("encode partition header: %w", err)
	}

	var file bytes.Buffer
	file.Write(partitionMagic[:])
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(headerRaw)))
	file.Write(lenBuf[:])
	file.Write(headerRaw)
	file.Write(data.Bytes())

	sum := sha256.Sum256(file.Bytes())

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, file.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("write partition: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("install partition: %w", err)
	}
	return hex.EncodeToString(sum[:]), nil
}

// HashFile returns the hex SHA-256 of a file, for manifest integrity
// checks.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashBytes returns the hex SHA-256 of a byte slice.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Partition is an open, immutable partition file. The header and bloom
// filter are resident; column blocks are read on demand.
type Partition struct {
	Path   string
	ID     uint64
	header partitionHeader
	bloom  *bloom.BloomFilter

	file      *os.File
	dataStart int64
}

// OpenPartition maps a partition file: header and bloom filter are
// loaded eagerly, columns lazily.
func OpenPartition(path string) (*Partition, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open partition: %w", err)
	}

	var magic [4]byte
	if _, err := io.ReadFull(f, magic[:]); err != nil || magic != partitionMagic {
		f.Close()
		return nil, storage.NewError(storage.ErrCodeCorruption, "", fmt.Sprintf("bad partition magic in %s", path), err)
	}
	var lenBuf [4]byte
	if _, err := io.ReadFull(f, lenBuf[:]); err != nil {
		f.Close()
		return nil, storage.NewError(storage.ErrCodeCorruption, "", "truncated partition header", err)
	}
	headerLen := binary.BigEndian.Uint32(lenBuf[:])
	headerRaw := make([]byte, headerLen)
	if _, err := io.ReadFull(f, headerRaw); err != nil {
		f.Close()
		return nil, storage.NewError(storage.ErrCodeCorruption, "", "truncated partition header", err)
	}
	var header partitionHeader
	if err := json.Unmarshal(headerRaw, &header); err != nil {
		f.Close()
		return nil, storage.NewError(storage.ErrCodeCorruption, "", "unparseable partition header", err)
	}

	p := &Partition{
		Path:      path,
		ID:        header.PartitionID,
		header:    header,
		file:      f,
		dataStart: int64(8 + headerLen),
	}

	bloomRaw := make([]byte, header.BloomSize)
	if _, err := f.ReadAt(bloomRaw, p.dataStart+header.BloomOffset); err != nil {
		f.Close()
		return nil, storage.NewError(storage.ErrCodeCorruption, "", "truncated bloom filter", err)
	}
	filter := &bloom.BloomFilter{}
	if _, err := filter.ReadFrom(bytes.NewReader(bloomRaw)); err != nil {
		f.Close()
		return nil, storage.NewError(storage.ErrCodeCorruption, "", "unparseable bloom filter", err)
	}
	p.bloom = filter
	return p, nil
}

// Close releases the underlying file.
func (p *Partition) Close() error {
	return p.file.Close()
}

// RowCount returns the number of rows.
func (p *Partition) RowCount() int {
	return p.header.RowCount
}

// CreatedAt returns the partition creation time.
func (p *Partition) CreatedAt() time.Time {
	return p.header.CreatedAt
}

// MightContain consults the bloom filter. False positives possible,
// false negatives not.
func (p *Partition) MightContain(fp fingerprint.Fingerprint) bool {
	return p.bloom.TestString(fp.Key())
}

func (p *Partition) layout(name string) (columnLayout, error) {
	for _, l := range p.header.Columns {
		if l.Name == name {
			return l, nil
		}
	}
	return columnLayout{}, fmt.Errorf("no column %q in partition %d", name, p.ID)
}

func (p *Partition) readBlock(name string) ([]byte, error) {
	l, err := p.layout(name)
	if err != nil {
		return nil, err
	}
	block := make([]byte, l.Size)
	if _, err := p.file.ReadAt(block, p.dataStart+l.Offset); err != nil {
		return nil, storage.NewError(storage.ErrCodeCorruption, "", fmt.Sprintf("read column %s", name), err)
	}
	raw, err := snappy.Decode(nil, block)
	if err != nil {
		return nil, storage.NewError(storage.ErrCodeCorruption, "", fmt.Sprintf("decompress column %s", name), err)
	}
	return raw, nil
}

// StringColumn decodes a string or json column.
func (p *Partition) StringColumn(name string) ([]string, error) {
	raw, err := p.readBlock(name)
	if err != nil {
		return nil, err
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, storage.NewError(storage.ErrCodeCorruption, "", fmt.Sprintf("decode column %s", name), err)
	}
	return out, nil
}

// Int64Column decodes an int64 column.
func (p *Partition) Int64Column(name string) ([]int64, error) {
	raw, err := p.readBlock(name)
	if err != nil {
		return nil, err
	}
	var out []int64
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, storage.NewError(storage.ErrCodeCorruption, "", fmt.Sprintf("decode column %s", name), err)
	}
	return out, nil
}

// Float64Column decodes a float64 column.
func (p *Partition) Float64Column(name string) ([]float64, error) {
	raw, err := p.readBlock(name)
	if err != nil {
		return nil, err
	}
	var out []float64
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, storage.NewError(storage.ErrCodeCorruption, "", fmt.Sprintf("decode column %s", name), err)
	}
	return out, nil
}

// ReadRecords materializes the rows at the given indices. The
// projection limits which optional columns are decoded; identity and
// resolution columns (fingerprint, updated_at, deleted_at) are always
// present. A nil projection materializes everything.
func (p *Partition) ReadRecords(indices []int, projection map[string]bool) ([]*Record, error) {
	if len(indices) == 0 {
		return nil, nil
	}

	want := func(name string) bool {
		if projection == nil {
			return true
		}
		switch name {
		case "fingerprint", "updated_at", "deleted_at":
			return true
		}
		return projection[name]
	}

	records := make([]*Record, len(indices))
	for i := range records {
		records[i] = &Record{}
	}

	for _, def := range columnSchema {
		if !want(def.Name) {
			continue
		}
		if err := p.fillColumn(def, indices, records); err != nil {
			return nil, err
		}
	}
	return records, nil
}

func (p *Partition) fillColumn(def columnDef, indices []int, records []*Record) error {
	switch def.Type {
	case colString, colJSON:
		values, err := p.StringColumn(def.Name)
		if err != nil {
			return err
		}
		for i, row := range indices {
			if row < 0 || row >= len(values) {
				return storage.NewError(storage.ErrCodeCorruption, "", "row index out of range", nil)
			}
			if err := applyString(records[i], def.Name, values[row]); err != nil {
				return err
			}
		}
	case colInt64:
		values, err := p.Int64Column(def.Name)
		if err != nil {
			return err
		}
		for i, row := range indices {
			if row < 0 || row >= len(values) {
				return storage.NewError(storage.ErrCodeCorruption, "", "row index out of range", nil)
			}
			applyInt64(records[i], def.Name, values[row])
		}
	case colFloat64:
		values, err := p.Float64Column(def.Name)
		if err != nil {
			return err
		}
		for i, row := range indices {
			if row < 0 || row >= len(values) {
				return storage.NewError(storage.ErrCodeCorruption, "", "row index out of range", nil)
			}
			records[i].HeatScore = values[row]
		}
	}
	return nil
}

func applyString(r *Record, name, value string) error {
	switch name {
	case "fingerprint":
		fp, err := fingerprint.Parse(value)
		if err != nil {
			return storage.NewError(storage.ErrCodeCorruption, "", "unparseable fingerprint in partition", err)
		}
		r.Fingerprint = fp
	case "codec":
		r.Codec = value
	case "hash_algorithm":
		r.HashAlgorithm = value
	case "mime_type":
		r.MimeType = value
	case "name":
		r.Name = value
	case "locations":
		if err := json.Unmarshal([]byte(value), &r.Locations); err != nil {
			return storage.NewError(storage.ErrCodeCorruption, "", "unparseable locations", err)
		}
	case "tags":
		if err := json.Unmarshal([]byte(value), &r.Tags); err != nil {
			return storage.NewError(storage.ErrCodeCorruption, "", "unparseable tags", err)
		}
	case "properties":
		if err := json.Unmarshal([]byte(value), &r.Properties); err != nil {
			return storage.NewError(storage.ErrCodeCorruption, "", "unparseable properties", err)
		}
	}
	return nil
}

func applyInt64(r *Record, name string, value int64) {
	switch name {
	case "size_bytes":
		r.SizeBytes = value
	case "block_count":
		r.BlockCount = value
	case "access_count":
		r.AccessCount = value
	case "last_access":
		r.LastAccess = unixToTime(value)
	case "created_at":
		r.CreatedAt = unixToTime(value)
	case "updated_at":
		r.UpdatedAt = unixToTime(value)
	case "deleted_at":
		r.DeletedAt = unixToTime(value)
	}
}

// AllRecords materializes every row, for compaction and full scans.
func (p *Partition) AllRecords() ([]*Record, error) {
	indices := make([]int, p.header.RowCount)
	for i := range indices {
		indices[i] = i
	}
	return p.ReadRecords(indices, nil)
}
