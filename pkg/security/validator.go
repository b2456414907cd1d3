// Package security guards archive extraction against hostile release artifacts.
package security

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
)

// Validator checks archive entry names and enforces extraction size limits.
// One Validator tracks one extraction at a time; call Reset between archives.
type Validator struct {
	maxFileSize         int64
	maxTotalSize        int64
	maxCompressionRatio float64

	mu               sync.Mutex
	currentTotalSize int64
}

// NewValidator creates a new security validator
func NewValidator(maxFileSize, maxTotalSize int64, maxCompressionRatio float64) *Validator {
	slog.Info("security_validator_init",
		"max_file_size_mb", maxFileSize/1024/1024,
		"max_total_size_mb", maxTotalSize/1024/1024,
		"max_compression_ratio", maxCompressionRatio)

	return &Validator{
		maxFileSize:         maxFileSize,
		maxTotalSize:        maxTotalSize,
		maxCompressionRatio: maxCompressionRatio,
	}
}

// ValidatePath rejects entry names that would land outside the extraction
// directory. Backslashes count as separators.
func (v *Validator) ValidatePath(entryName string) error {
	name := strings.ReplaceAll(entryName, `\`, "/")

	if name == "" {
		return fmt.Errorf("security: empty entry name")
	}
	if strings.HasPrefix(name, "/") || filepath.IsAbs(entryName) || filepath.VolumeName(entryName) != "" {
		slog.Error("security_path_validation_failed", "path", entryName, "reason", "absolute_path")
		return fmt.Errorf("security: absolute path not allowed: %s", entryName)
	}

	clean := filepath.Clean(filepath.FromSlash(name))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		slog.Error("security_path_validation_failed", "path", entryName, "reason", "path_traversal")
		return fmt.Errorf("security: path traversal detected: %s", entryName)
	}

	return nil
}

// ValidateFileSize checks if a file exceeds max file size
func (v *Validator) ValidateFileSize(size int64) error {
	if size > v.maxFileSize {
		slog.Error("security_file_size_exceeded",
			"file_size_mb", size/1024/1024,
			"max_file_size_mb", v.maxFileSize/1024/1024)
		return fmt.Errorf("security: file size %d exceeds max %d", size, v.maxFileSize)
	}
	return nil
}

// AddExtractedSize tracks total extracted size and checks against limit
func (v *Validator) AddExtractedSize(size int64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.currentTotalSize += size

	if v.currentTotalSize > v.maxTotalSize {
		slog.Error("security_total_size_exceeded",
			"current_total_mb", v.currentTotalSize/1024/1024,
			"max_total_mb", v.maxTotalSize/1024/1024,
			"file_size_mb", size/1024/1024)
		return fmt.Errorf("security: total extracted size %d exceeds max %d",
			v.currentTotalSize, v.maxTotalSize)
	}

	return nil
}

// ValidateCompressionRatio checks for compression bombs. Extractions below
// minRatioCheckSize are exempt.
func (v *Validator) ValidateCompressionRatio(compressedSize, uncompressedSize int64) error {
	if compressedSize <= 0 {
		slog.Error("security_compression_validation_failed", "reason", "zero_compressed_size")
		return fmt.Errorf("security: compressed size cannot be zero")
	}
	if uncompressedSize < minRatioCheckSize {
		return nil
	}

	ratio := float64(uncompressedSize) / float64(compressedSize)

	if ratio > v.maxCompressionRatio {
		slog.Error("security_compression_bomb_detected",
			"ratio", ratio,
			"max_ratio", v.maxCompressionRatio,
			"compressed_mb", compressedSize/1024/1024,
			"uncompressed_mb", uncompressedSize/1024/1024)
		return fmt.Errorf("security: compression ratio %.2f exceeds max %.2f (compressed: %d, uncompressed: %d)",
			ratio, v.maxCompressionRatio, compressedSize, uncompressedSize)
	}

	return nil
}

// minRatioCheckSize is the uncompressed size below which the ratio is ignored.
const minRatioCheckSize = 1 << 20

// Reset resets the total size counter
func (v *Validator) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.currentTotalSize = 0
}

// CurrentTotalSize returns the bytes accounted since the last Reset
func (v *Validator) CurrentTotalSize() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.currentTotalSize
}
