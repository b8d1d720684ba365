// Package dicomfile loads and saves instance files. Values are held as
// UTF-8 in memory and re-encoded into the file's Specific Character Set
// when the file is written.
package dicomfile

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/otcheredev/ris-dicom-archive/internal/storage"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// MediaStorageDirectoryStorage is the SOP class of a DICOMDIR
const MediaStorageDirectoryStorage = "1.2.840.10008.1.3.10"

// ExplicitVRLittleEndian is the default transfer syntax for files created in memory
const ExplicitVRLittleEndian = "1.2.840.10008.1.2.1"

// Identity carries the identifying UIDs of an instance
type Identity struct {
	StudyInstanceUID  string
	SeriesInstanceUID string
	SOPInstanceUID    string
	SOPClassUID       string
	TransferSyntaxUID string
}

// Load parses a whole instance file, pixel data included
func Load(path string) (*dicom.Dataset, error) {
	ds, err := dicom.ParseFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return &ds, nil
}

// LoadHeader parses an instance file without its pixel data
func LoadHeader(path string) (*dicom.Dataset, error) {
	ds, err := dicom.ParseFile(path, nil, dicom.SkipPixelData())
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return &ds, nil
}

// Encode writes ds to w with every text value encoded in the dataset's
// Specific Character Set. ds itself is left untouched.
func Encode(w io.Writer, ds *dicom.Dataset) error {
	terms := CharacterSet(ds)
	out := dicom.Dataset{Elements: make([]*dicom.Element, 0, len(ds.Elements))}
	for _, elem := range ds.Elements {
		encoded, err := encodeElement(elem, terms)
		if err != nil {
			return err
		}
		out.Elements = append(out.Elements, encoded)
	}
	if err := dicom.Write(w, out, dicom.SkipVRVerification(), dicom.DefaultMissingTransferSyntax()); err != nil {
		return fmt.Errorf("failed to write dataset: %w", err)
	}
	return nil
}

// Save writes ds to path atomically
func Save(path string, ds *dicom.Dataset) error {
	return storage.WriteFileAtomic(path, func(w io.Writer) error {
		return Encode(w, ds)
	})
}

func encodeElement(elem *dicom.Element, terms []string) (*dicom.Element, error) {
	if elem.Value == nil {
		return elem, nil
	}
	if elem.Value.ValueType() == dicom.Sequences {
		return encodeSequence(elem, terms)
	}
	if elem.Value.ValueType() != dicom.Strings || !IsCharsetAffected(elem.RawValueRepresentation) {
		return elem, nil
	}
	values, _ := elem.Value.GetValue().([]string)
	encoded := make([]string, len(values))
	changed := false
	for i, v := range values {
		e, err := EncodeString(v, terms)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s: %w", elem.Tag, err)
		}
		encoded[i] = e
		changed = changed || e != v
	}
	if !changed {
		return elem, nil
	}
	value, err := dicom.NewValue(encoded)
	if err != nil {
		return nil, err
	}
	cp := *elem
	cp.Value = value
	return &cp, nil
}

// encodeSequence rebuilds the items of a sequence with encoded children.
// Items inherit the character set of the enclosing dataset.
func encodeSequence(elem *dicom.Element, terms []string) (*dicom.Element, error) {
	seqItems, _ := elem.Value.GetValue().([]*dicom.SequenceItemValue)
	items := make([][]*dicom.Element, 0, len(seqItems))
	changed := false
	for _, item := range seqItems {
		children, _ := item.GetValue().([]*dicom.Element)
		encoded := make([]*dicom.Element, len(children))
		for i, child := range children {
			e, err := encodeElement(child, terms)
			if err != nil {
				return nil, err
			}
			encoded[i] = e
			changed = changed || e != child
		}
		items = append(items, encoded)
	}
	if !changed {
		return elem, nil
	}
	value, err := dicom.NewValue(items)
	if err != nil {
		return nil, fmt.Errorf("failed to rebuild %s: %w", elem.Tag, err)
	}
	cp := *elem
	cp.Value = value
	return &cp, nil
}

// CharacterSet returns the Specific Character Set values of ds
func CharacterSet(ds *dicom.Dataset) []string {
	return Strings(ds, tag.SpecificCharacterSet)
}

// Strings returns the string values of t, or nil when absent or not a string element
func Strings(ds *dicom.Dataset, t tag.Tag) []string {
	elem, err := ds.FindElementByTag(t)
	if err != nil || elem.Value == nil {
		return nil
	}
	values, _ := elem.Value.GetValue().([]string)
	return values
}

// String returns the backslash-joined string value of t
func String(ds *dicom.Dataset, t tag.Tag) string {
	return strings.TrimSpace(strings.Join(Strings(ds, t), `\`))
}

// SetStrings sets the string values of t, inserting the element in tag order when absent
func SetStrings(ds *dicom.Dataset, t tag.Tag, values ...string) error {
	elem, err := dicom.NewElement(t, values)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", t, err)
	}
	ds.Elements = Put(ds.Elements, elem)
	return nil
}

// Put replaces the element with the same tag or inserts elem in tag order
func Put(elems []*dicom.Element, elem *dicom.Element) []*dicom.Element {
	i := sort.Search(len(elems), func(i int) bool {
		return !TagLess(elems[i].Tag, elem.Tag)
	})
	if i < len(elems) && elems[i].Tag == elem.Tag {
		elems[i] = elem
		return elems
	}
	elems = append(elems, nil)
	copy(elems[i+1:], elems[i:])
	elems[i] = elem
	return elems
}

// Find returns the element with tag t among elems
func Find(elems []*dicom.Element, t tag.Tag) (*dicom.Element, int) {
	for i, e := range elems {
		if e.Tag == t {
			return e, i
		}
	}
	return nil, -1
}

// TagLess orders tags by group then element
func TagLess(a, b tag.Tag) bool {
	if a.Group != b.Group {
		return a.Group < b.Group
	}
	return a.Element < b.Element
}

// IdentityOf extracts the identifying UIDs of ds
func IdentityOf(ds *dicom.Dataset) Identity {
	id := Identity{
		StudyInstanceUID:  String(ds, tag.StudyInstanceUID),
		SeriesInstanceUID: String(ds, tag.SeriesInstanceUID),
		SOPInstanceUID:    String(ds, tag.SOPInstanceUID),
		SOPClassUID:       String(ds, tag.SOPClassUID),
		TransferSyntaxUID: String(ds, tag.TransferSyntaxUID),
	}
	if id.SOPClassUID == "" {
		id.SOPClassUID = String(ds, tag.MediaStorageSOPClassUID)
	}
	if id.SOPInstanceUID == "" {
		id.SOPInstanceUID = String(ds, tag.MediaStorageSOPInstanceUID)
	}
	if id.TransferSyntaxUID == "" {
		id.TransferSyntaxUID = ExplicitVRLittleEndian
	}
	return id
}

// IsDirectory reports whether ds is a DICOMDIR rather than an instance
func IsDirectory(ds *dicom.Dataset) bool {
	return String(ds, tag.MediaStorageSOPClassUID) == MediaStorageDirectoryStorage ||
		String(ds, tag.SOPClassUID) == MediaStorageDirectoryStorage
}

// Clone returns a copy of ds whose element slice can be modified independently
func Clone(ds *dicom.Dataset) *dicom.Dataset {
	elems := make([]*dicom.Element, len(ds.Elements))
	copy(elems, ds.Elements)
	return &dicom.Dataset{Elements: elems}
}
