package safetensors

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"slices"

	"github.com/goccy/go-json"
)

// F32Tensor is a float32 tensor to be written by WriteF32.
type F32Tensor struct {
	Shape []int
	Data  []float32
}

// WriteF32 writes tensors as an F32 safetensors file. Tensors are laid out in
// name order and the header is padded so the payload starts 8-byte aligned.
func WriteF32(path string, tensors map[string]F32Tensor, metadata map[string]string) (err error) {
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	slices.Sort(names)

	header := make(map[string]any, len(tensors)+1)
	var offset int64
	for _, name := range names {
		t := tensors[name]
		n, err := numElements(t.Shape)
		if err != nil {
			return fmt.Errorf("tensor %s: %w", name, err)
		}
		if n != len(t.Data) {
			return fmt.Errorf("tensor %s: shape %v needs %d values, have %d", name, t.Shape, n, len(t.Data))
		}
		size := int64(n) * 4
		header[name] = tensorHeader{DType: "F32", Shape: t.Shape, DataOffsets: []int64{offset, offset + size}}
		offset += size
	}
	if len(metadata) > 0 {
		header["__metadata__"] = metadata
	}
	hdr, err := json.Marshal(header)
	if err != nil {
		return err
	}
	for len(hdr)%8 != 0 {
		hdr = append(hdr, ' ')
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	w := bufio.NewWriter(f)
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(len(hdr)))
	if _, err := w.Write(buf[:]); err != nil {
		return err
	}
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	for _, name := range names {
		for _, v := range tensors[name].Data {
			binary.LittleEndian.PutUint32(buf[:4], math.Float32bits(v))
			if _, err := w.Write(buf[:4]); err != nil {
				return err
			}
		}
	}
	return w.Flush()
}
