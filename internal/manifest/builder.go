package manifest

import "fmt"

// Builder accumulates series and instances and produces a Manifest.
// Series and instances keep the order in which they were first added.
type Builder struct {
	studyUID string
	series   []*Series
	index    map[string]*Series
	sops     map[string]string
}

// NewBuilder starts an empty manifest for studyUID
func NewBuilder(studyUID string) *Builder {
	return &Builder{
		studyUID: studyUID,
		index:    make(map[string]*Series),
		sops:     make(map[string]string),
	}
}

// From starts a builder holding every entry of m
func From(m Manifest) *Builder {
	b := NewBuilder(m.StudyInstanceUID)
	for _, s := range m.Series {
		for _, i := range s.Instances {
			_ = b.Add(s.SeriesInstanceUID, s.Modality, i)
		}
	}
	return b
}

// SetStudyInstanceUID changes the study the built manifest belongs to
func (b *Builder) SetStudyInstanceUID(uid string) *Builder {
	b.studyUID = uid
	return b
}

// Contains reports whether an instance with sopUID has been added
func (b *Builder) Contains(sopUID string) bool {
	_, ok := b.sops[sopUID]
	return ok
}

// Len is the number of instances added so far
func (b *Builder) Len() int {
	return len(b.sops)
}

// Add appends an instance to the series, creating the series when needed.
// An instance whose SOP Instance UID is already present is rejected.
func (b *Builder) Add(seriesUID, modality string, inst Instance) error {
	if owner, ok := b.sops[inst.SOPInstanceUID]; ok {
		return fmt.Errorf("instance %s already present in series %s", inst.SOPInstanceUID, owner)
	}
	s, ok := b.index[seriesUID]
	if !ok {
		s = &Series{SeriesInstanceUID: seriesUID}
		b.series = append(b.series, s)
		b.index[seriesUID] = s
	}
	if s.Modality == "" {
		s.Modality = modality
	}
	s.Instances = append(s.Instances, inst)
	b.sops[inst.SOPInstanceUID] = seriesUID
	return nil
}

// Remove drops an instance; series left empty are dropped too
func (b *Builder) Remove(sopUID string) bool {
	seriesUID, ok := b.sops[sopUID]
	if !ok {
		return false
	}
	delete(b.sops, sopUID)
	s := b.index[seriesUID]
	for i, inst := range s.Instances {
		if inst.SOPInstanceUID == sopUID {
			s.Instances = append(s.Instances[:i], s.Instances[i+1:]...)
			break
		}
	}
	if len(s.Instances) == 0 {
		b.RemoveSeries(seriesUID)
	}
	return true
}

// RemoveSeries drops a series and all of its instances
func (b *Builder) RemoveSeries(seriesUID string) bool {
	s, ok := b.index[seriesUID]
	if !ok {
		return false
	}
	for _, inst := range s.Instances {
		delete(b.sops, inst.SOPInstanceUID)
	}
	delete(b.index, seriesUID)
	for i, cur := range b.series {
		if cur == s {
			b.series = append(b.series[:i], b.series[i+1:]...)
			break
		}
	}
	return true
}

// Build returns the manifest with its counts computed. Series without
// instances are omitted. The builder can keep being used afterwards.
func (b *Builder) Build() Manifest {
	m := Manifest{
		Version:          FormatVersion,
		StudyInstanceUID: b.studyUID,
	}
	for _, s := range b.series {
		if len(s.Instances) == 0 {
			continue
		}
		instances := make([]Instance, len(s.Instances))
		copy(instances, s.Instances)
		m.Series = append(m.Series, Series{
			SeriesInstanceUID: s.SeriesInstanceUID,
			Modality:          s.Modality,
			NumberOfInstances: len(instances),
			Instances:         instances,
		})
		m.NumberOfInstances += len(instances)
	}
	m.NumberOfSeries = len(m.Series)
	return m
}
