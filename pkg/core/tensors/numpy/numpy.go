// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package numpy reads and writes tensors in NumPy's .npy and .npz file formats.
//
// Writing accepts any strided view with host accessible storage: the elements are written in row-major order.
// Reading always creates a tensor owning its storage. Arrays saved in Fortran order are not transposed:
// the tensor gets the column-major strides instead.
package numpy

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tensorcore/pkg/core/errkinds"
	"github.com/gomlx/tensorcore/pkg/core/shapes"
	"github.com/gomlx/tensorcore/pkg/core/storage"
	"github.com/gomlx/tensorcore/pkg/core/tensors"
	"github.com/gomlx/tensorcore/pkg/core/typemeta"
	"github.com/gomlx/tensorcore/pkg/support/fsutil"
	"github.com/gomlx/tensorcore/pkg/support/xslices"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const magic = "\x93NUMPY"

// headerAlignment of the preamble plus the header, as written by NumPy.
const headerAlignment = 64

// descrByDType maps dtypes to the little-endian NumPy type descriptor.
var descrByDType = map[dtypes.DType]string{
	dtypes.Bool:       "|b1",
	dtypes.Int8:       "|i1",
	dtypes.Uint8:      "|u1",
	dtypes.Int16:      "<i2",
	dtypes.Uint16:     "<u2",
	dtypes.Int32:      "<i4",
	dtypes.Uint32:     "<u4",
	dtypes.Int64:      "<i8",
	dtypes.Uint64:     "<u8",
	dtypes.Float16:    "<f2",
	dtypes.Float32:    "<f4",
	dtypes.Float64:    "<f8",
	dtypes.Complex64:  "<c8",
	dtypes.Complex128: "<c16",
}

// dtypeByCode maps the NumPy type descriptor without the byte order to dtypes.
var dtypeByCode = map[string]dtypes.DType{
	"?": dtypes.Bool,
}

func init() {
	for dtype, descr := range descrByDType {
		dtypeByCode[descr[1:]] = dtype
	}
}

// parseDescr returns the dtype and whether the data is big-endian.
func parseDescr(descr string) (dtype dtypes.DType, bigEndian bool, err error) {
	code := descr
	if len(descr) > 0 && strings.ContainsRune("<>=|", rune(descr[0])) {
		bigEndian = descr[0] == '>'
		code = descr[1:]
	}
	dtype, found := dtypeByCode[code]
	if !found {
		return dtypes.InvalidDType, false, errkinds.InvalidArgumentf("unsupported NumPy dtype %q", descr)
	}
	return dtype, bigEndian && dtype.Memory() > 1, nil
}

// ToNpyWriter writes the tensor to w in .npy format (version 1.0).
func ToNpyWriter(t *tensors.Tensor, w io.Writer) error {
	descr, found := descrByDType[t.DType()]
	if !found {
		return errkinds.InvalidArgumentf("numpy: tensor of %s can't be saved, NumPy has no equivalent dtype", t.Meta())
	}
	data, err := hostBytes(t)
	if err != nil {
		return err
	}
	if _, err = w.Write(encodeHeader(descr, false, t.Sizes())); err != nil {
		return errors.Wrapf(err, "numpy: failed to write header")
	}
	if _, err = w.Write(data); err != nil {
		return errors.Wrapf(err, "numpy: failed to write tensor data (%d bytes)", len(data))
	}
	return nil
}

// hostBytes returns the elements of the tensor in row-major order. Contiguous tensors return their
// storage bytes without copying.
func hostBytes(t *tensors.Tensor) ([]byte, error) {
	numel, itemSize := t.Numel(), t.ItemSize()
	if numel == 0 {
		return nil, nil
	}
	dp, err := t.RawData()
	if err != nil {
		return nil, errors.WithMessage(err, "numpy")
	}
	if dp.Host == nil {
		return nil, errkinds.PreconditionViolationf("numpy: memory of %s is not host accessible", dp.Device)
	}
	sizes, strides := t.Sizes(), t.Strides()
	if t.IsContiguous(shapes.MemoryFormatContiguous) {
		nbytes := numel * itemSize
		if nbytes > int64(len(dp.Host)) {
			return nil, errkinds.PreconditionViolationf("numpy: tensor %v spans beyond the end of its storage", sizes)
		}
		return dp.Host[:nbytes], nil
	}

	end, err := shapes.StorageEnd(0, sizes, strides, itemSize)
	if err != nil {
		return nil, errors.WithMessage(err, "numpy")
	}
	if end > int64(len(dp.Host)) {
		return nil, errkinds.PreconditionViolationf("numpy: view %v with strides %v spans beyond the end of its storage",
			sizes, strides)
	}
	data := make([]byte, 0, numel*itemSize)
	for _, position := range shapes.Offsets(sizes, strides, 0, nil) {
		start := position * itemSize
		data = append(data, dp.Host[start:start+itemSize]...)
	}
	return data, nil
}

// encodeHeader returns the magic string, version, header length and the header dictionary, padded with spaces.
func encodeHeader(descr string, fortranOrder bool, sizes []int64) []byte {
	var shapeTuple string
	switch len(sizes) {
	case 0:
		shapeTuple = "()"
	case 1:
		shapeTuple = fmt.Sprintf("(%d,)", sizes[0])
	default:
		shapeTuple = "(" + strings.Join(xslices.Map(sizes, func(size int64) string {
			return strconv.FormatInt(size, 10)
		}), ", ") + ")"
	}
	fortran := "False"
	if fortranOrder {
		fortran = "True"
	}
	header := fmt.Sprintf("{'descr': '%s', 'fortran_order': %s, 'shape': %s, }", descr, fortran, shapeTuple)

	// Magic (6) + version (2) + header length (2) + header + "\n" is a multiple of headerAlignment.
	const preambleLen = len(magic) + 2 + 2
	padding := (headerAlignment - (preambleLen+len(header)+1)%headerAlignment) % headerAlignment
	header += strings.Repeat(" ", padding) + "\n"

	var buf bytes.Buffer
	buf.WriteString(magic)
	buf.Write([]byte{1, 0})
	_ = binary.Write(&buf, binary.LittleEndian, uint16(len(header)))
	buf.WriteString(header)
	return buf.Bytes()
}

// ToNpyFile saves the tensor to a .npy file. A "~" prefix is replaced by the user home directory, and missing
// parent directories are created.
func ToNpyFile(t *tensors.Tensor, filePath string) error {
	filePath, err := fsutil.PrepareOutputFile(filePath)
	if err != nil {
		return err
	}
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create .npy file %q", filePath)
	}
	if err = ToNpyWriter(t, f); err != nil {
		_ = f.Close()
		return errors.WithMessagef(err, "saving tensor to %q", filePath)
	}
	return errors.Wrapf(f.Close(), "failed to close .npy file %q", filePath)
}

// npyHeader is the parsed header dictionary of a .npy file.
type npyHeader struct {
	dtype        dtypes.DType
	bigEndian    bool
	fortranOrder bool
	sizes        []int64
}

var (
	reDescr   = regexp.MustCompile(`'descr'\s*:\s*'([^']*)'`)
	reFortran = regexp.MustCompile(`'fortran_order'\s*:\s*(True|False)`)
	reShape   = regexp.MustCompile(`'shape'\s*:\s*\(([^)]*)\)`)
)

// readHeader reads the preamble and the header dictionary.
func readHeader(r io.Reader) (h npyHeader, err error) {
	preamble := make([]byte, len(magic)+2)
	if _, err = io.ReadFull(r, preamble); err != nil {
		return h, errors.Wrapf(err, "failed to read .npy magic string")
	}
	if string(preamble[:len(magic)]) != magic {
		return h, errkinds.InvalidArgumentf("invalid .npy file format: magic string mismatch")
	}
	major, minor := preamble[len(magic)], preamble[len(magic)+1]
	var headerLen uint32
	switch major {
	case 1:
		var len16 uint16
		err = binary.Read(r, binary.LittleEndian, &len16)
		headerLen = uint32(len16)
	case 2, 3:
		err = binary.Read(r, binary.LittleEndian, &headerLen)
	default:
		return h, errkinds.InvalidArgumentf("unsupported .npy version %d.%d", major, minor)
	}
	if err != nil {
		return h, errors.Wrapf(err, "failed to read .npy header length")
	}
	headerBytes := make([]byte, headerLen)
	if _, err = io.ReadFull(r, headerBytes); err != nil {
		return h, errors.Wrapf(err, "failed to read .npy header (%d bytes)", headerLen)
	}
	header := string(headerBytes)

	match := reDescr.FindStringSubmatch(header)
	if match == nil {
		return h, errkinds.InvalidArgumentf("'descr' missing in .npy header %q", header)
	}
	if h.dtype, h.bigEndian, err = parseDescr(match[1]); err != nil {
		return h, err
	}
	match = reFortran.FindStringSubmatch(header)
	if match == nil {
		return h, errkinds.InvalidArgumentf("'fortran_order' missing in .npy header %q", header)
	}
	h.fortranOrder = match[1] == "True"
	match = reShape.FindStringSubmatch(header)
	if match == nil {
		return h, errkinds.InvalidArgumentf("'shape' missing in .npy header %q", header)
	}
	h.sizes = []int64{}
	for _, part := range strings.Split(match[1], ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			// Trailing comma of 1-tuples, or scalar.
			continue
		}
		size, err := strconv.ParseInt(part, 10, 64)
		if err != nil || size < 0 {
			return h, errkinds.InvalidArgumentf("invalid size %q in .npy header %q", part, header)
		}
		h.sizes = append(h.sizes, size)
	}
	return h, nil
}

// FromNpyReader reads a .npy file from r into a new tensor, with memory from allocator, which must be
// host accessible. If allocator is nil, host memory is used.
func FromNpyReader(r io.Reader, allocator storage.Allocator) (*tensors.Tensor, error) {
	h, err := readHeader(r)
	if err != nil {
		return nil, err
	}
	if allocator == nil {
		allocator = &storage.HostAllocator{}
	}
	meta := typemeta.Of(h.dtype)
	t, err := tensors.Empty(context.Background(), h.sizes, meta, allocator)
	if err != nil {
		return nil, errors.WithMessage(err, "numpy")
	}
	if err = readData(r, t, h); err != nil {
		t.Finalize()
		return nil, err
	}
	return t, nil
}

func readData(r io.Reader, t *tensors.Tensor, h npyHeader) error {
	if h.fortranOrder && len(h.sizes) > 1 {
		strides := make([]int64, len(h.sizes))
		stride := int64(1)
		for axis, size := range h.sizes {
			strides[axis] = stride
			stride *= max(size, 1)
		}
		klog.V(1).Infof("numpy: reading %v in Fortran order, using strides %v", h.sizes, strides)
		if err := t.SetSizesAndStrides(h.sizes, strides); err != nil {
			return errors.WithMessage(err, "numpy")
		}
	}
	numel := t.Numel()
	if numel == 0 {
		return nil
	}
	dp, err := t.RawMutableData(t.Meta())
	if err != nil {
		return errors.WithMessage(err, "numpy")
	}
	if dp.Host == nil {
		return errkinds.PreconditionViolationf("numpy: memory of %s is not host accessible", dp.Device)
	}
	data := dp.Host[:numel*t.ItemSize()]
	if _, err = io.ReadFull(r, data); err != nil {
		return errors.Wrapf(err, "failed to read .npy data (expected %d bytes)", len(data))
	}
	if h.bigEndian {
		// Complex numbers are swapped per component.
		wordSize := int(t.ItemSize())
		if h.dtype == dtypes.Complex64 || h.dtype == dtypes.Complex128 {
			wordSize /= 2
		}
		for start := 0; start < len(data); start += wordSize {
			slices.Reverse(data[start : start+wordSize])
		}
	}
	return nil
}

// FromNpyFile reads a .npy file. See FromNpyReader for the meaning of allocator.
func FromNpyFile(filePath string, allocator storage.Allocator) (*tensors.Tensor, error) {
	filePath, err := fsutil.ReplaceTildeInDir(filePath)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open .npy file %q", filePath)
	}
	defer func() { _ = f.Close() }()
	t, err := FromNpyReader(f, allocator)
	if err != nil {
		return nil, errors.WithMessagef(err, "loading tensor from %q", filePath)
	}
	return t, nil
}

// ToNpzWriter writes the tensors as an .npz archive (a zip of .npy files, one per name), in the order of
// the names.
func ToNpzWriter(named map[string]*tensors.Tensor, w io.Writer) error {
	zipWriter := zip.NewWriter(w)
	for _, name := range xslices.SortedKeys(named) {
		fileWriter, err := zipWriter.Create(name + ".npy")
		if err != nil {
			return errors.Wrapf(err, "failed to create %q in .npz archive", name+".npy")
		}
		if err = ToNpyWriter(named[name], fileWriter); err != nil {
			return errors.WithMessagef(err, "failed to write tensor %q to .npz archive", name)
		}
	}
	return errors.Wrap(zipWriter.Close(), "failed to close .npz archive")
}

// ToNpzFile saves the tensors to an .npz file. See ToNpzWriter.
func ToNpzFile(named map[string]*tensors.Tensor, filePath string) error {
	filePath, err := fsutil.PrepareOutputFile(filePath)
	if err != nil {
		return err
	}
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create .npz file %q", filePath)
	}
	if err = ToNpzWriter(named, f); err != nil {
		_ = f.Close()
		return errors.WithMessagef(err, "saving tensors to %q", filePath)
	}
	return errors.Wrapf(f.Close(), "failed to close .npz file %q", filePath)
}

// FromNpzReader reads the .npy files of an .npz archive, keyed by their name without the ".npy" suffix.
// Other files in the archive are ignored. See FromNpyReader for the meaning of allocator.
//
// On error, the tensors already read are finalized.
func FromNpzReader(r io.ReaderAt, size int64, allocator storage.Allocator) (named map[string]*tensors.Tensor, err error) {
	zipReader, err := zip.NewReader(r, size)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read .npz archive")
	}
	named = make(map[string]*tensors.Tensor, len(zipReader.File))
	defer func() {
		if err != nil {
			for _, t := range named {
				t.Finalize()
			}
			named = nil
		}
	}()
	for _, f := range zipReader.File {
		cleanPath := path.Clean(f.Name)
		if path.IsAbs(cleanPath) || strings.HasPrefix(cleanPath, "..") {
			return nil, errkinds.InvalidArgumentf("invalid path %q in .npz archive", f.Name)
		}
		if !strings.HasSuffix(cleanPath, ".npy") {
			klog.V(1).Infof("numpy: skipping %q in .npz archive", f.Name)
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, errors.Wrapf(err, "failed to open %q in .npz archive", f.Name)
		}
		t, err := FromNpyReader(rc, allocator)
		_ = rc.Close()
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to read %q from .npz archive", f.Name)
		}
		named[strings.TrimSuffix(cleanPath, ".npy")] = t
	}
	return named, nil
}

// FromNpzFile reads an .npz file. See FromNpzReader.
func FromNpzFile(filePath string, allocator storage.Allocator) (map[string]*tensors.Tensor, error) {
	filePath, err := fsutil.ReplaceTildeInDir(filePath)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open .npz file %q", filePath)
	}
	defer func() { _ = f.Close() }()
	info, err := f.Stat()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to stat .npz file %q", filePath)
	}
	return FromNpzReader(f, info.Size(), allocator)
}
