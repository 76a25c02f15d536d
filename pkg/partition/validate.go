// Copyright (c) Qualcomm Technologies, Inc. and/or its subsidiaries.
// SPDX-License-Identifier: BSD-3-Clause-Clear

package partition

import (
	"fmt"
	"io"
)

const (
	ImageMagic      = 0xE9
	ImageHeaderSize = 24
	maxSegments     = 16
)

// Validator checks that the first length bytes of partition p hold a
// structurally complete image.
type Validator func(r io.ReaderAt, p Descriptor, length int64) error

// ValidateImageHeader checks the application image header: magic byte and a
// sane segment count.
func ValidateImageHeader(r io.ReaderAt, p Descriptor, length int64) error {
	if length < ImageHeaderSize {
		return fmt.Errorf("image is %d bytes, shorter than its %d byte header", length, ImageHeaderSize)
	}
	hdr := make([]byte, ImageHeaderSize)
	if _, err := r.ReadAt(hdr, int64(p.Offset)); err != nil {
		return fmt.Errorf("failed to read image header: %w", err)
	}
	if hdr[0] != ImageMagic {
		return fmt.Errorf("invalid image magic 0x%02x, expected 0x%02x", hdr[0], ImageMagic)
	}
	if hdr[1] == 0 || hdr[1] > maxSegments {
		return fmt.Errorf("invalid image segment count %d", hdr[1])
	}
	return nil
}
