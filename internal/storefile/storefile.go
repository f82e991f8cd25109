// Package storefile defines the on-disk framing of the pipeline cache's
// persistent stores: an append-only shader microcode log and an
// append-only pipeline description log.
//
// Both files start with a fixed little-endian header. A header that does
// not match resets the file; a torn record tail is truncated away on
// replay. Records carry content hashes written by the caller, and the
// caller decides during replay whether a record's payload is acceptable,
// so the package stays purely structural.
package storefile

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

const (
	// ShaderMagic identifies a shader microcode log ("PCSH").
	ShaderMagic uint32 = 0x48534350
	// PipelineMagic identifies a pipeline description log ("PCPS").
	PipelineMagic uint32 = 0x53504350

	// APITagRender marks pipeline logs holding render pipeline
	// descriptions ("WGRP").
	APITagRender uint32 = 0x50524757
	// APITagCompute is reserved for a future compute pipeline log
	// ("WGCP").
	APITagCompute uint32 = 0x50434757

	// FormatVersion is bumped whenever record layout changes; old
	// files are discarded rather than migrated.
	FormatVersion uint32 = 1

	// ShaderHeaderSize is the shader log file header size in bytes.
	ShaderHeaderSize = 8
	// PipelineHeaderSize is the pipeline log file header size in bytes.
	PipelineHeaderSize = 12
	// ShaderRecordHeaderSize is the fixed prefix of a shader record,
	// before the microcode dwords.
	ShaderRecordHeaderSize = 24
)

// ShaderRecord is the fixed part of one shader log entry. The microcode
// dwords follow it in the file.
type ShaderRecord struct {
	// Hash is the content hash of the microcode dwords.
	Hash uint64
	// Modification qualifies how the shader was translated.
	Modification uint64
	// Kind is the numeric shader kind stored by the caller.
	Kind uint32
}

// openLog opens or creates path and validates the expected header.
// Any mismatch, including a short file, resets the log to just the
// header. Returns the file and its current logical size.
func openLog(path string, header []byte) (*os.File, int64, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, 0, err
	}
	existing := make([]byte, len(header))
	ok := false
	if _, err := io.ReadFull(f, existing); err == nil {
		ok = true
		for i := range header {
			if existing[i] != header[i] {
				ok = false
				break
			}
		}
	}
	if !ok {
		if err := f.Truncate(0); err != nil {
			f.Close()
			return nil, 0, err
		}
		if _, err := f.WriteAt(header, 0); err != nil {
			f.Close()
			return nil, 0, err
		}
		return f, int64(len(header)), nil
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, info.Size(), nil
}

// openReadOnly opens path for scanning and checks it is at least
// headerSize bytes long.
func openReadOnly(path string, headerSize int64) (*os.File, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	if info.Size() < headerSize {
		f.Close()
		return nil, 0, fmt.Errorf("file is %d bytes, shorter than the %d byte header", info.Size(), headerSize)
	}
	return f, info.Size(), nil
}

// truncateTo discards everything past size and leaves the file
// positioned there for appending.
func truncateTo(f *os.File, current, size int64) error {
	if size < current {
		if err := f.Truncate(size); err != nil {
			return err
		}
	}
	_, err := f.Seek(size, io.SeekStart)
	return err
}

// ===== Shader log =====

// ShaderLog is an append-only log of translated shader microcode.
type ShaderLog struct {
	file *os.File
	size int64
}

// OpenShaderLog opens or creates the shader log at path. A missing or
// mismatched header resets the file.
func OpenShaderLog(path string) (*ShaderLog, error) {
	var header [ShaderHeaderSize]byte
	binary.LittleEndian.PutUint32(header[0:], ShaderMagic)
	binary.LittleEndian.PutUint32(header[4:], FormatVersion)
	f, size, err := openLog(path, header[:])
	if err != nil {
		return nil, fmt.Errorf("open shader log: %w", err)
	}
	return &ShaderLog{file: f, size: size}, nil
}

// Replay scans every stored record in file order and passes it to
// visit. A visit returning false marks the record bad: the scan stops
// and the file is truncated just before it, as it is for a torn or
// misframed tail. Records visit accepts stay in the file even when the
// caller ignores them. Returns the number of accepted records.
//
// Replay leaves the log positioned for appending and must be called
// exactly once, before the first Append.
func (l *ShaderLog) Replay(visit func(rec ShaderRecord, dwords []uint32) bool) (int, error) {
	r := sectionReader(l.file, ShaderHeaderSize, l.size)
	accepted, used := scanShaders(r, l.size-ShaderHeaderSize, visit)
	valid := ShaderHeaderSize + used
	if err := truncateTo(l.file, l.size, valid); err != nil {
		return accepted, fmt.Errorf("truncate shader log: %w", err)
	}
	l.size = valid
	return accepted, nil
}

// scanShaders reads records from r until the byte budget runs out, a
// record misframes, or visit rejects one. Returns the accepted record
// count and how many bytes they span.
func scanShaders(r io.Reader, remaining int64, visit func(rec ShaderRecord, dwords []uint32) bool) (int, int64) {
	accepted := 0
	used := int64(0)
	var head [ShaderRecordHeaderSize]byte
	for remaining >= ShaderRecordHeaderSize {
		if _, err := io.ReadFull(r, head[:]); err != nil {
			break
		}
		rec := ShaderRecord{
			Hash:         binary.LittleEndian.Uint64(head[0:]),
			Modification: binary.LittleEndian.Uint64(head[8:]),
			Kind:         binary.LittleEndian.Uint32(head[20:]),
		}
		dwordCount := int64(binary.LittleEndian.Uint32(head[16:]))
		if dwordCount == 0 || dwordCount*4 > remaining-ShaderRecordHeaderSize {
			break
		}
		payload := make([]byte, dwordCount*4)
		if _, err := io.ReadFull(r, payload); err != nil {
			break
		}
		dwords := make([]uint32, dwordCount)
		for i := range dwords {
			dwords[i] = binary.LittleEndian.Uint32(payload[i*4:])
		}
		if !visit(rec, dwords) {
			break
		}
		recordLen := ShaderRecordHeaderSize + dwordCount*4
		used += recordLen
		remaining -= recordLen
		accepted++
	}
	return accepted, used
}

// ScanShaderLog reads the shader log at path without modifying it. It
// fails on a missing file or a foreign header instead of resetting, and
// reports torn or rejected tail bytes instead of truncating them. The
// visit contract matches Replay.
func ScanShaderLog(path string, visit func(rec ShaderRecord, dwords []uint32) bool) (records int, tail int64, err error) {
	f, size, err := openReadOnly(path, ShaderHeaderSize)
	if err != nil {
		return 0, 0, fmt.Errorf("scan shader log: %w", err)
	}
	defer f.Close()
	var header [ShaderHeaderSize]byte
	if _, err := io.ReadFull(f, header[:]); err != nil {
		return 0, 0, fmt.Errorf("scan shader log: %w", err)
	}
	if got := binary.LittleEndian.Uint32(header[0:]); got != ShaderMagic {
		return 0, 0, fmt.Errorf("scan shader log: magic %#x, want %#x", got, ShaderMagic)
	}
	if got := binary.LittleEndian.Uint32(header[4:]); got != FormatVersion {
		return 0, 0, fmt.Errorf("scan shader log: format version %d, want %d", got, FormatVersion)
	}
	r := sectionReader(f, ShaderHeaderSize, size)
	records, used := scanShaders(r, size-ShaderHeaderSize, visit)
	return records, size - ShaderHeaderSize - used, nil
}

// Append writes one record at the end of the log.
func (l *ShaderLog) Append(rec ShaderRecord, dwords []uint32) error {
	buf := make([]byte, ShaderRecordHeaderSize+4*len(dwords))
	binary.LittleEndian.PutUint64(buf[0:], rec.Hash)
	binary.LittleEndian.PutUint64(buf[8:], rec.Modification)
	binary.LittleEndian.PutUint32(buf[16:], uint32(len(dwords)))
	binary.LittleEndian.PutUint32(buf[20:], rec.Kind)
	for i, d := range dwords {
		binary.LittleEndian.PutUint32(buf[ShaderRecordHeaderSize+i*4:], d)
	}
	if _, err := l.file.WriteAt(buf, l.size); err != nil {
		return fmt.Errorf("append shader record: %w", err)
	}
	l.size += int64(len(buf))
	return nil
}

// Sync flushes appended records to storage.
func (l *ShaderLog) Sync() error {
	return l.file.Sync()
}

// Close closes the underlying file without flushing.
func (l *ShaderLog) Close() error {
	return l.file.Close()
}

// ===== Pipeline log =====

// PipelineLog is an append-only log of fixed-size pipeline
// descriptions, each prefixed with its content hash.
type PipelineLog struct {
	file     *os.File
	size     int64
	descSize int64
}

// OpenPipelineLog opens or creates the pipeline log at path. The log
// holds descriptions of exactly descSize bytes for the pipeline family
// identified by apiTag; a header disagreeing on either resets the file.
func OpenPipelineLog(path string, apiTag uint32, descSize int) (*PipelineLog, error) {
	if descSize <= 0 {
		return nil, errors.New("open pipeline log: description size must be positive")
	}
	var header [PipelineHeaderSize]byte
	binary.LittleEndian.PutUint32(header[0:], PipelineMagic)
	binary.LittleEndian.PutUint32(header[4:], apiTag)
	binary.LittleEndian.PutUint32(header[8:], FormatVersion)
	f, size, err := openLog(path, header[:])
	if err != nil {
		return nil, fmt.Errorf("open pipeline log: %w", err)
	}
	return &PipelineLog{file: f, size: size, descSize: int64(descSize)}, nil
}

// RecordCount returns how many whole records the log currently holds.
// Before Replay this is an upper bound: a torn tail record is counted
// until the replay scan removes it.
func (l *PipelineLog) RecordCount() int {
	return int((l.size - PipelineHeaderSize) / (8 + l.descSize))
}

// Replay scans every stored record in file order and passes it to
// visit. A visit returning false marks the record bad: the scan stops
// and the file is truncated just before it, as it is for a torn tail.
// Returns the number of accepted records.
//
// Replay leaves the log positioned for appending and must be called
// exactly once, before the first Append.
func (l *PipelineLog) Replay(visit func(hash uint64, description []byte) bool) (int, error) {
	r := sectionReader(l.file, PipelineHeaderSize, l.size)
	accepted, used := scanPipelines(r, l.size-PipelineHeaderSize, l.descSize, visit)
	valid := PipelineHeaderSize + used
	if err := truncateTo(l.file, l.size, valid); err != nil {
		return accepted, fmt.Errorf("truncate pipeline log: %w", err)
	}
	l.size = valid
	return accepted, nil
}

// scanPipelines reads fixed-size records from r until the byte budget
// runs out or visit rejects one. Returns the accepted record count and
// how many bytes they span.
func scanPipelines(r io.Reader, remaining, descSize int64, visit func(hash uint64, description []byte) bool) (int, int64) {
	recordLen := 8 + descSize
	accepted := 0
	used := int64(0)
	buf := make([]byte, recordLen)
	for remaining >= recordLen {
		if _, err := io.ReadFull(r, buf); err != nil {
			break
		}
		hash := binary.LittleEndian.Uint64(buf[0:])
		if !visit(hash, buf[8:]) {
			break
		}
		used += recordLen
		remaining -= recordLen
		accepted++
	}
	return accepted, used
}

// ScanPipelineLog reads the pipeline log at path without modifying it.
// It fails on a missing file or a header disagreeing on magic, apiTag,
// version or record size instead of resetting, and reports torn or
// rejected tail bytes instead of truncating them. The visit contract
// matches Replay.
func ScanPipelineLog(path string, apiTag uint32, descSize int, visit func(hash uint64, description []byte) bool) (records int, tail int64, err error) {
	if descSize <= 0 {
		return 0, 0, errors.New("scan pipeline log: description size must be positive")
	}
	f, size, err := openReadOnly(path, PipelineHeaderSize)
	if err != nil {
		return 0, 0, fmt.Errorf("scan pipeline log: %w", err)
	}
	defer f.Close()
	var header [PipelineHeaderSize]byte
	if _, err := io.ReadFull(f, header[:]); err != nil {
		return 0, 0, fmt.Errorf("scan pipeline log: %w", err)
	}
	if got := binary.LittleEndian.Uint32(header[0:]); got != PipelineMagic {
		return 0, 0, fmt.Errorf("scan pipeline log: magic %#x, want %#x", got, PipelineMagic)
	}
	if got := binary.LittleEndian.Uint32(header[4:]); got != apiTag {
		return 0, 0, fmt.Errorf("scan pipeline log: api tag %#x, want %#x", got, apiTag)
	}
	if got := binary.LittleEndian.Uint32(header[8:]); got != FormatVersion {
		return 0, 0, fmt.Errorf("scan pipeline log: format version %d, want %d", got, FormatVersion)
	}
	r := sectionReader(f, PipelineHeaderSize, size)
	records, used := scanPipelines(r, size-PipelineHeaderSize, int64(descSize), visit)
	return records, size - PipelineHeaderSize - used, nil
}

// Append writes one record at the end of the log. The description must
// be exactly the size the log was opened with.
func (l *PipelineLog) Append(hash uint64, description []byte) error {
	if int64(len(description)) != l.descSize {
		return fmt.Errorf("append pipeline record: description is %d bytes, want %d", len(description), l.descSize)
	}
	buf := make([]byte, 8+l.descSize)
	binary.LittleEndian.PutUint64(buf[0:], hash)
	copy(buf[8:], description)
	if _, err := l.file.WriteAt(buf, l.size); err != nil {
		return fmt.Errorf("append pipeline record: %w", err)
	}
	l.size += int64(len(buf))
	return nil
}

// Sync flushes appended records to storage.
func (l *PipelineLog) Sync() error {
	return l.file.Sync()
}

// Close closes the underlying file without flushing.
func (l *PipelineLog) Close() error {
	return l.file.Close()
}

// sectionReader returns a buffered reader over the byte range
// [off, size) of f.
func sectionReader(f *os.File, off, size int64) io.Reader {
	return bufio.NewReader(io.NewSectionReader(f, off, size-off))
}
