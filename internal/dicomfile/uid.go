package dicomfile

import "github.com/suyashkumar/dicom/pkg/tag"

// MaxUIDLength is the longest value the UI value representation allows
const MaxUIDLength = 64

// ValidUID reports whether uid is made of dot-separated numeric components,
// none of them empty, and fits the UI value representation
func ValidUID(uid string) bool {
	if uid == "" || len(uid) > MaxUIDLength {
		return false
	}
	dot := true
	for i := 0; i < len(uid); i++ {
		switch c := uid[i]; {
		case c == '.':
			if dot {
				return false
			}
			dot = true
		case c >= '0' && c <= '9':
			dot = false
		default:
			return false
		}
	}
	return !dot
}

// IsIdentityTag reports whether t names the study, series or instance.
// These UIDs become folder and file names in the archive.
func IsIdentityTag(t tag.Tag) bool {
	return t == tag.StudyInstanceUID || t == tag.SeriesInstanceUID || t == tag.SOPInstanceUID
}
