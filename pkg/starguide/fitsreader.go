package starguide

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const (
	fitsBlockSize  = 2880
	fitsRecordSize = 80
)

// FitsMetadata holds parsed FITS header key-value pairs.
type FitsMetadata struct {
	Headers map[string]string
}

// NewFitsMetadata creates an empty FitsMetadata.
func NewFitsMetadata() *FitsMetadata {
	return &FitsMetadata{Headers: make(map[string]string)}
}

func (m *FitsMetadata) GetString(key string) string {
	return m.Headers[strings.ToUpper(key)]
}

func (m *FitsMetadata) GetDouble(key string) (float64, bool) {
	v, ok := m.Headers[strings.ToUpper(key)]
	if !ok {
		return 0, false
	}
	d, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, false
	}
	return d, true
}

func (m *FitsMetadata) GetInt(key string) (int, bool) {
	d, ok := m.GetDouble(key)
	if !ok {
		return 0, false
	}
	return int(math.Round(d)), true
}

// ExposureMillis returns EXPTIME (or EXPOSURE) converted to milliseconds.
func (m *FitsMetadata) ExposureMillis() (int, bool) {
	secs, ok := m.GetDouble("EXPTIME")
	if !ok {
		secs, ok = m.GetDouble("EXPOSURE")
	}
	if !ok {
		return 0, false
	}
	return int(math.Round(secs * 1000)), true
}

// FitsImageData holds parsed FITS image data.
type FitsImageData struct {
	Pixels   []uint16
	Width    int
	Height   int
	BitDepth int
	Metadata *FitsMetadata
}

// ReadFits reads FITS headers and pixel data from a file.
func ReadFits(filePath string) (*FitsImageData, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrap(err, "opening FITS file")
	}
	defer f.Close()
	data, err := readFitsFromReader(bufio.NewReader(f))
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", filePath)
	}
	return data, nil
}

// ReadFitsFromBytes reads FITS headers and pixel data from a byte slice.
func ReadFitsFromBytes(data []byte) (*FitsImageData, error) {
	return readFitsFromReader(bytes.NewReader(data))
}

func readFitsFromReader(r io.Reader) (*FitsImageData, error) {
	var bitpix, naxis, width, height int
	bzero := 0.0
	bscale := 1.0
	metadata := NewFitsMetadata()
	record := make([]byte, fitsRecordSize)

	for headerDone := false; !headerDone; {
		for i := 0; i < fitsBlockSize/fitsRecordSize; i++ {
			if _, err := io.ReadFull(r, record); err != nil {
				return nil, errors.Wrap(err, "reading FITS header record")
			}
			line := string(record)
			keyword := strings.TrimSpace(line[:8])

			if keyword == "END" {
				headerDone = true
				if rest := fitsBlockSize/fitsRecordSize - 1 - i; rest > 0 {
					if _, err := io.CopyN(io.Discard, r, int64(rest*fitsRecordSize)); err != nil {
						return nil, errors.Wrap(err, "skipping FITS header padding")
					}
				}
				break
			}
			if line[8] != '=' || line[9] != ' ' {
				continue
			}

			rawValue := strings.TrimSpace(strings.SplitN(line[10:], "/", 2)[0])
			if v := parseFitsValue(rawValue); keyword != "" && v != "" {
				metadata.Headers[strings.ToUpper(keyword)] = v
			}

			switch keyword {
			case "BITPIX":
				bitpix, _ = strconv.Atoi(rawValue)
			case "NAXIS":
				naxis, _ = strconv.Atoi(rawValue)
			case "NAXIS1":
				width, _ = strconv.Atoi(rawValue)
			case "NAXIS2":
				height, _ = strconv.Atoi(rawValue)
			case "BZERO":
				bzero, _ = strconv.ParseFloat(rawValue, 64)
			case "BSCALE":
				bscale, _ = strconv.ParseFloat(rawValue, 64)
			}
		}
	}

	if naxis < 2 || width <= 0 || height <= 0 {
		return nil, errors.Errorf("invalid FITS: NAXIS=%d, NAXIS1=%d, NAXIS2=%d", naxis, width, height)
	}

	bytesPerPixel := map[int]int{8: 1, 16: 2, 32: 4, -32: 4}[bitpix]
	if bytesPerPixel == 0 {
		return nil, errors.Errorf("unsupported BITPIX: %d", bitpix)
	}

	numPixels := width * height
	raw := make([]byte, numPixels*bytesPerPixel)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, errors.Wrapf(err, "reading BITPIX=%d pixel data", bitpix)
	}

	pixels := make([]uint16, numPixels)
	for i := range pixels {
		var v float64
		switch bitpix {
		case 8:
			v = float64(raw[i])
		case 16:
			v = float64(int16(binary.BigEndian.Uint16(raw[i*2:])))
		case 32:
			v = float64(int32(binary.BigEndian.Uint32(raw[i*4:])))
		case -32:
			v = float64(math.Float32frombits(binary.BigEndian.Uint32(raw[i*4:])))
		}
		pixels[i] = uint16(clampFloat64(v*bscale+bzero, 0, 65535))
	}

	bitDepth := 16
	if bitpix == 8 {
		bitDepth = 8
	}

	return &FitsImageData{
		Pixels:   pixels,
		Width:    width,
		Height:   height,
		BitDepth: bitDepth,
		Metadata: metadata,
	}, nil
}

// WriteFits writes a frame as a 16-bit FITS image. Unsigned values are stored
// with BZERO=32768.
func WriteFits(w io.Writer, frame *Frame, exposureMs int) error {
	if !frame.valid() {
		return ErrInvalidFrame
	}

	var hdr bytes.Buffer
	card := func(key, value string) {
		fmt.Fprintf(&hdr, "%-8s= %20s", key, value)
		hdr.WriteString(strings.Repeat(" ", fitsRecordSize-30))
	}
	card("SIMPLE", "T")
	card("BITPIX", "16")
	card("NAXIS", "2")
	card("NAXIS1", strconv.Itoa(frame.Width))
	card("NAXIS2", strconv.Itoa(frame.Height))
	card("BZERO", "32768")
	card("BSCALE", "1")
	if frame.Pedestal > 0 {
		card("PEDESTAL", strconv.Itoa(int(frame.Pedestal)))
	}
	if exposureMs > 0 {
		card("EXPTIME", strconv.FormatFloat(float64(exposureMs)/1000, 'f', 3, 64))
	}
	hdr.WriteString(fmt.Sprintf("%-80s", "END"))
	if pad := hdr.Len() % fitsBlockSize; pad != 0 {
		hdr.WriteString(strings.Repeat(" ", fitsBlockSize-pad))
	}
	if _, err := w.Write(hdr.Bytes()); err != nil {
		return errors.Wrap(err, "writing FITS header")
	}

	data := make([]byte, len(frame.Pixels)*2)
	for i, v := range frame.Pixels {
		binary.BigEndian.PutUint16(data[i*2:], uint16(int32(v)-32768))
	}
	if pad := len(data) % fitsBlockSize; pad != 0 {
		data = append(data, make([]byte, fitsBlockSize-pad)...)
	}
	if _, err := w.Write(data); err != nil {
		return errors.Wrap(err, "writing FITS data")
	}
	return nil
}

// SaveFrame writes a frame to a FITS file.
func SaveFrame(path string, frame *Frame, exposureMs int) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "creating FITS file")
	}
	if err := WriteFits(f, frame, exposureMs); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func clampFloat64(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func parseFitsValue(rawValue string) string {
	switch {
	case rawValue == "":
		return ""
	case rawValue == "T":
		return "True"
	case rawValue == "F":
		return "False"
	case strings.HasPrefix(rawValue, "'"):
		if end := strings.LastIndex(rawValue, "'"); end > 0 {
			return strings.TrimRight(rawValue[1:end], " ")
		}
		return strings.TrimLeft(strings.TrimRight(rawValue, " "), "'")
	}
	return rawValue
}
