// Package manifest holds the per-study index of series and instances that
// is stored beside the study's files. A Manifest is a value: callers load
// one, derive a new one with a Builder and write the result back.
package manifest

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/pgzip"
	"github.com/otcheredev/ris-dicom-archive/internal/storage"
)

// FormatVersion is the version attribute written on every manifest
const FormatVersion = "1"

// Instance is one stored object
type Instance struct {
	SOPInstanceUID    string `xml:"sopInstanceUid,attr"`
	SOPClassUID       string `xml:"sopClassUid,attr"`
	TransferSyntaxUID string `xml:"transferSyntaxUid,attr"`
	FileSize          int64  `xml:"fileSize,attr"`
	SourceAETitle     string `xml:"sourceAeTitle,attr,omitempty"`
}

// Series groups instances in insertion order
type Series struct {
	SeriesInstanceUID string     `xml:"seriesInstanceUid,attr"`
	Modality          string     `xml:"modality,attr,omitempty"`
	NumberOfInstances int        `xml:"numberOfInstances,attr"`
	Instances         []Instance `xml:"Instance"`
}

// Manifest is the authoritative list of what is stored for one study
type Manifest struct {
	XMLName           xml.Name `xml:"StudyManifest"`
	Version           string   `xml:"version,attr"`
	StudyInstanceUID  string   `xml:"studyInstanceUid,attr"`
	NumberOfSeries    int      `xml:"numberOfSeries,attr"`
	NumberOfInstances int      `xml:"numberOfInstances,attr"`
	Series            []Series `xml:"Series"`
}

// Empty reports whether the manifest lists no instances
func (m Manifest) Empty() bool {
	return m.NumberOfInstances == 0
}

// Size is the total file size of all instances in bytes
func (m Manifest) Size() int64 {
	var total int64
	for _, s := range m.Series {
		for _, i := range s.Instances {
			total += i.FileSize
		}
	}
	return total
}

// SeriesByUID returns the series with the given UID
func (m Manifest) SeriesByUID(uid string) (Series, bool) {
	for _, s := range m.Series {
		if s.SeriesInstanceUID == uid {
			return s, true
		}
	}
	return Series{}, false
}

// Find returns the instance with the given SOP Instance UID and the UID of its series
func (m Manifest) Find(sopUID string) (string, Instance, bool) {
	for _, s := range m.Series {
		for _, i := range s.Instances {
			if i.SOPInstanceUID == sopUID {
				return s.SeriesInstanceUID, i, true
			}
		}
	}
	return "", Instance{}, false
}

// Validate checks the cached counts and that no SOP Instance UID appears twice
func (m Manifest) Validate() error {
	if m.StudyInstanceUID == "" {
		return errors.New("manifest has no study instance uid")
	}
	seen := make(map[string]struct{})
	total := 0
	for _, s := range m.Series {
		if s.NumberOfInstances != len(s.Instances) {
			return fmt.Errorf("series %s lists %d instances but records %d", s.SeriesInstanceUID, len(s.Instances), s.NumberOfInstances)
		}
		for _, i := range s.Instances {
			if _, dup := seen[i.SOPInstanceUID]; dup {
				return fmt.Errorf("instance %s is listed twice", i.SOPInstanceUID)
			}
			seen[i.SOPInstanceUID] = struct{}{}
		}
		total += s.NumberOfInstances
	}
	if m.NumberOfSeries != len(m.Series) {
		return fmt.Errorf("manifest lists %d series but records %d", len(m.Series), m.NumberOfSeries)
	}
	if m.NumberOfInstances != total {
		return fmt.Errorf("manifest records %d instances but its series hold %d", m.NumberOfInstances, total)
	}
	return nil
}

// Equal reports whether a and b describe the same series and instances in the same order
func Equal(a, b Manifest) bool {
	if a.StudyInstanceUID != b.StudyInstanceUID ||
		a.NumberOfSeries != b.NumberOfSeries ||
		a.NumberOfInstances != b.NumberOfInstances ||
		len(a.Series) != len(b.Series) {
		return false
	}
	for i := range a.Series {
		sa, sb := a.Series[i], b.Series[i]
		if sa.SeriesInstanceUID != sb.SeriesInstanceUID ||
			sa.Modality != sb.Modality ||
			sa.NumberOfInstances != sb.NumberOfInstances ||
			len(sa.Instances) != len(sb.Instances) {
			return false
		}
		for j := range sa.Instances {
			if sa.Instances[j] != sb.Instances[j] {
				return false
			}
		}
	}
	return true
}

// Marshal encodes m as an indented XML document
func Marshal(m Manifest) ([]byte, error) {
	m.Version = FormatVersion
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(m); err != nil {
		return nil, fmt.Errorf("failed to encode manifest %s: %w", m.StudyInstanceUID, err)
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// Encode writes the XML document of m to w
func Encode(w io.Writer, m Manifest) error {
	data, err := Marshal(m)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// EncodeCompressed writes the gzip-compressed XML document of m to w
func EncodeCompressed(w io.Writer, m Manifest) error {
	data, err := Marshal(m)
	if err != nil {
		return err
	}
	zw := pgzip.NewWriter(w)
	if _, err := zw.Write(data); err != nil {
		zw.Close()
		return fmt.Errorf("failed to compress manifest %s: %w", m.StudyInstanceUID, err)
	}
	return zw.Close()
}

// Decode reads an XML manifest from r
func Decode(r io.Reader) (Manifest, error) {
	var m Manifest
	if err := xml.NewDecoder(r).Decode(&m); err != nil {
		return Manifest{}, fmt.Errorf("failed to decode manifest: %w", err)
	}
	if m.Version != FormatVersion {
		return Manifest{}, fmt.Errorf("unsupported manifest version %q", m.Version)
	}
	if err := m.Validate(); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// DecodeCompressed reads a gzip-compressed XML manifest from r
func DecodeCompressed(r io.Reader) (Manifest, error) {
	zr, err := pgzip.NewReader(r)
	if err != nil {
		return Manifest{}, fmt.Errorf("failed to open compressed manifest: %w", err)
	}
	defer zr.Close()
	return Decode(zr)
}

// Load reads the manifest at primary, falling back to the compressed twin
// when the primary file is missing or unreadable. When neither exists the
// returned error wraps os.ErrNotExist.
func Load(primary, compressed string) (Manifest, error) {
	m, primaryErr := loadFile(primary, Decode)
	if primaryErr == nil {
		return m, nil
	}
	m, err := loadFile(compressed, DecodeCompressed)
	if err == nil {
		return m, nil
	}
	if errors.Is(primaryErr, os.ErrNotExist) && errors.Is(err, os.ErrNotExist) {
		return Manifest{}, fmt.Errorf("no manifest at %s: %w", primary, os.ErrNotExist)
	}
	if !errors.Is(primaryErr, os.ErrNotExist) {
		return Manifest{}, primaryErr
	}
	return Manifest{}, err
}

func loadFile(path string, decode func(io.Reader) (Manifest, error)) (Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return Manifest{}, err
	}
	defer f.Close()
	m, err := decode(f)
	if err != nil {
		return Manifest{}, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// Write stores m at primary and its compressed twin at compressed, each
// through a temporary file that is renamed into place
func Write(primary, compressed string, m Manifest) error {
	if err := storage.WriteFileAtomic(primary, func(w io.Writer) error {
		return Encode(w, m)
	}); err != nil {
		return err
	}
	return storage.WriteFileAtomic(compressed, func(w io.Writer) error {
		return EncodeCompressed(w, m)
	})
}
