package dicomedit

import (
	"fmt"
	"strings"
	"time"

	"github.com/otcheredev/ris-dicom-archive/internal/archiveerr"
	"github.com/otcheredev/ris-dicom-archive/internal/dicomfile"
	"github.com/rs/zerolog"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

var (
	originalAttributesSequence   = tag.Tag{Group: 0x0400, Element: 0x0561}
	modifiedAttributesSequence   = tag.Tag{Group: 0x0400, Element: 0x0550}
	attributeModificationDate    = tag.Tag{Group: 0x0400, Element: 0x0562}
	modifyingSystem              = tag.Tag{Group: 0x0400, Element: 0x0563}
	sourceOfPreviousValues       = tag.Tag{Group: 0x0400, Element: 0x0564}
	reasonForAttributeAdjustment = tag.Tag{Group: 0x0400, Element: 0x0565}
)

// ModificationReason is written into every audit item
const ModificationReason = "CORRECT"

const dateTimeLayout = "20060102150405.000000"

// Options control how edits are applied to a file
type Options struct {
	AllowConvertToUnicode bool
	ModifyingSystem       string
	SourceOfPrevious      string
	Now                   time.Time
	Log                   zerolog.Logger
}

// Result describes one applied edit
type Result struct {
	Path               TagPath
	OriginalValue      string
	NewValue           string
	Truncated          bool
	ConvertedToUnicode bool
}

// SetTag sets the attribute at Path to Value. OriginalValue is overwritten
// with the value found in the last file the edit was applied to.
type SetTag struct {
	Path          TagPath
	Value         string
	OriginalValue string
}

// NewSetTag parses path and creates the edit
func NewSetTag(path, value string) (*SetTag, error) {
	p, err := ParseTagPath(path)
	if err != nil {
		return nil, err
	}
	return &SetTag{Path: p, Value: value}, nil
}

// Apply edits ds in place. A CharacterSetError leaves ds untouched.
func (s *SetTag) Apply(ds *dicom.Dataset, opts Options) (Result, error) {
	res := Result{Path: s.Path}

	vr, err := s.vr(ds)
	if err != nil {
		return res, err
	}

	requested := splitValues(vr, s.coerced())
	values, truncated := truncate(vr, requested)
	if truncated {
		opts.Log.Warn().
			Str("tag", s.Path.String()).
			Str("vr", vr).
			Str("value", s.Value).
			Msg("Value exceeds the maximum length of its VR and was truncated")
	}
	res.Truncated = truncated
	res.NewValue = strings.Join(values, `\`)

	convert, err := checkRepresentable(ds, s.Path, vr, res.NewValue, opts.AllowConvertToUnicode)
	if err != nil {
		return res, err
	}
	if vr == "UI" {
		if err := s.checkUIDs(requested); err != nil {
			return res, err
		}
	}

	original, top := s.snapshot(ds)
	res.OriginalValue = original
	s.OriginalValue = original

	if convert {
		if err := dicomfile.SetStrings(ds, tag.SpecificCharacterSet, dicomfile.UnicodeCharacterSet); err != nil {
			return res, err
		}
		res.ConvertedToUnicode = true
	}
	if err := appendAudit(ds, top, opts); err != nil {
		return res, err
	}

	elems, err := setPath(ds.Elements, s.Path.Segments, vr, values)
	if err != nil {
		return res, err
	}
	ds.Elements = elems
	return res, nil
}

// Preview returns the value the edit writes after coercion and truncation,
// using the dictionary VR of the target. It fails for unknown or
// non-text attributes and for malformed UIDs.
func (s *SetTag) Preview() (string, error) {
	vr, err := s.vr(&dicom.Dataset{})
	if err != nil {
		return "", err
	}
	requested := splitValues(vr, s.coerced())
	if vr == "UI" {
		if err := s.checkUIDs(requested); err != nil {
			return "", err
		}
	}
	values, _ := truncate(vr, requested)
	return strings.Join(values, `\`), nil
}

func (s *SetTag) coerced() string {
	if s.Path.Is(tag.PatientSex) && s.Value != "M" && s.Value != "F" {
		return "O"
	}
	return s.Value
}

// vr resolves the value representation of the target, preferring the one
// already present in the dataset
func (s *SetTag) vr(ds *dicom.Dataset) (string, error) {
	if elem := lookup(ds.Elements, s.Path.Segments); elem != nil && elem.RawValueRepresentation != "" {
		if !IsStringVR(elem.RawValueRepresentation) {
			return "", archiveerr.Validation("tag_path", "%s has VR %s and cannot be edited as text", s.Path, elem.RawValueRepresentation)
		}
		return elem.RawValueRepresentation, nil
	}
	elem, err := dicom.NewElement(s.Path.Leaf(), []string{})
	if err != nil {
		return "", archiveerr.Validation("tag_path", "%s is not in the data dictionary", s.Path)
	}
	if !IsStringVR(elem.RawValueRepresentation) {
		return "", archiveerr.Validation("tag_path", "%s has VR %s and cannot be edited as text", s.Path, elem.RawValueRepresentation)
	}
	return elem.RawValueRepresentation, nil
}

// checkUIDs rejects malformed UIDs. The study, series and instance UIDs
// of the file name folders and files, so they must also be present.
func (s *SetTag) checkUIDs(values []string) error {
	if len(s.Path.Segments) == 1 && dicomfile.IsIdentityTag(s.Path.Leaf()) {
		if len(values) != 1 || !dicomfile.ValidUID(values[0]) {
			return archiveerr.Validation("value", "%s requires a single valid UID, got %q", s.Path, strings.Join(values, `\`))
		}
		return nil
	}
	for _, v := range values {
		if v != "" && !dicomfile.ValidUID(v) {
			return archiveerr.Validation("value", "%q is not a valid UID for %s", v, s.Path)
		}
	}
	return nil
}

// snapshot returns the current value of the target and a copy of the
// top-level attribute for the audit sequence
func (s *SetTag) snapshot(ds *dicom.Dataset) (string, *dicom.Element) {
	var original string
	if elem := lookup(ds.Elements, s.Path.Segments); elem != nil && elem.Value != nil {
		if values, ok := elem.Value.GetValue().([]string); ok {
			original = strings.Join(values, `\`)
		}
	}
	top, _ := dicomfile.Find(ds.Elements, s.Path.Top())
	return original, top
}

// checkRepresentable reports whether the file has to switch to unicode for value
func checkRepresentable(ds *dicom.Dataset, path TagPath, vr, value string, allowUnicode bool) (bool, error) {
	terms := dicomfile.CharacterSet(ds)
	if !dicomfile.IsCharsetAffected(vr) {
		if dicomfile.IsDefaultRepertoire(value) {
			return false, nil
		}
		return false, &archiveerr.CharacterSetError{Tag: path.String(), Value: value, CharacterSet: "default repertoire (" + vr + ")"}
	}
	if dicomfile.Representable(value, terms) {
		return false, nil
	}
	current := strings.Join(terms, `\`)
	if !allowUnicode {
		return false, &archiveerr.CharacterSetError{Tag: path.String(), Value: value, CharacterSet: current}
	}
	if !dicomfile.Representable(value, []string{dicomfile.UnicodeCharacterSet}) {
		return false, &archiveerr.CharacterSetError{Tag: path.String(), Value: value, CharacterSet: dicomfile.UnicodeCharacterSet}
	}
	return true, nil
}

// lookup finds the target element without modifying anything
func lookup(elems []*dicom.Element, segs []Segment) *dicom.Element {
	elem, _ := dicomfile.Find(elems, segs[0].Tag)
	if elem == nil || len(segs) == 1 {
		return elem
	}
	items := sequenceItems(elem)
	if segs[0].Item >= len(items) {
		return nil
	}
	return lookup(items[segs[0].Item], segs[1:])
}

// setPath returns elems with the target set, creating missing sequences
// and sequence items along the way
func setPath(elems []*dicom.Element, segs []Segment, vr string, values []string) ([]*dicom.Element, error) {
	seg := segs[0]
	existing, _ := dicomfile.Find(elems, seg.Tag)

	if len(segs) == 1 {
		elem, err := newElement(seg.Tag, vr, values)
		if err != nil {
			return nil, err
		}
		return dicomfile.Put(elems, elem), nil
	}

	if existing != nil && existing.Value != nil && existing.Value.ValueType() != dicom.Sequences {
		return nil, archiveerr.Validation("tag_path", "(%04X,%04X) is not a sequence", seg.Tag.Group, seg.Tag.Element)
	}
	var items [][]*dicom.Element
	if existing != nil {
		items = sequenceItems(existing)
	}
	for len(items) <= seg.Item {
		items = append(items, []*dicom.Element{})
	}
	updated, err := setPath(items[seg.Item], segs[1:], vr, values)
	if err != nil {
		return nil, err
	}
	items[seg.Item] = updated

	seq, err := newElement(seg.Tag, "SQ", items)
	if err != nil {
		return nil, err
	}
	return dicomfile.Put(elems, seq), nil
}

// sequenceItems copies the element lists of a sequence's items
func sequenceItems(elem *dicom.Element) [][]*dicom.Element {
	if elem == nil || elem.Value == nil || elem.Value.ValueType() != dicom.Sequences {
		return nil
	}
	seqItems, _ := elem.Value.GetValue().([]*dicom.SequenceItemValue)
	items := make([][]*dicom.Element, 0, len(seqItems))
	for _, item := range seqItems {
		src, _ := item.GetValue().([]*dicom.Element)
		cp := make([]*dicom.Element, len(src))
		copy(cp, src)
		items = append(items, cp)
	}
	return items
}

// appendAudit adds an Original Attributes Sequence item holding the
// pre-edit copy of the edited top-level attribute
func appendAudit(ds *dicom.Dataset, previous *dicom.Element, opts Options) error {
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	system := opts.ModifyingSystem
	if system == "" {
		system = "ARCHIVE"
	}
	source := opts.SourceOfPrevious
	if source == "" {
		source = system
	}

	modified := []*dicom.Element{}
	if previous != nil {
		modified = append(modified, previous)
	}

	item := []*dicom.Element{}
	add := func(t tag.Tag, vr string, data interface{}) error {
		elem, err := newElement(t, vr, data)
		if err != nil {
			return err
		}
		item = dicomfile.Put(item, elem)
		return nil
	}
	if err := add(modifiedAttributesSequence, "SQ", [][]*dicom.Element{modified}); err != nil {
		return err
	}
	if err := add(attributeModificationDate, "DT", []string{now.Format(dateTimeLayout)}); err != nil {
		return err
	}
	if err := add(modifyingSystem, "LO", []string{system}); err != nil {
		return err
	}
	if err := add(sourceOfPreviousValues, "LO", []string{source}); err != nil {
		return err
	}
	if err := add(reasonForAttributeAdjustment, "CS", []string{ModificationReason}); err != nil {
		return err
	}

	existing, _ := dicomfile.Find(ds.Elements, originalAttributesSequence)
	items := append(sequenceItems(existing), item)
	seq, err := newElement(originalAttributesSequence, "SQ", items)
	if err != nil {
		return err
	}
	ds.Elements = dicomfile.Put(ds.Elements, seq)
	return nil
}

// newElement builds an element with an explicit VR, so attributes missing
// from the library's dictionary can still be written
func newElement(t tag.Tag, vr string, data interface{}) (*dicom.Element, error) {
	value, err := dicom.NewValue(data)
	if err != nil {
		return nil, fmt.Errorf("failed to build value for (%04X,%04X): %w", t.Group, t.Element, err)
	}
	return &dicom.Element{
		Tag:                    t,
		ValueRepresentation:    tag.GetVRKind(t, vr),
		RawValueRepresentation: vr,
		Value:                  value,
	}, nil
}
