package resource

import "testing"

func TestIsLegacyCompoundID(t *testing.T) {
	tests := []struct {
		name string
		id   string
		want bool
	}{
		{"bare uuid", "a1b2c3d4-0000-0000-0000-000000000001", false},
		{"compound id", "a1b2c3d4-0000-0000-0000-000000000001-b2c3d4e5-0000-0000-0000-000000000002", true},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsLegacyCompoundID(tt.id); got != tt.want {
				t.Errorf("IsLegacyCompoundID(%q) = %v, want %v", tt.id, got, tt.want)
			}
		})
	}
}

func TestEntryTypeNormalize(t *testing.T) {
	if got := TypeMarkdown.Normalize(); got != TypeDocument {
		t.Errorf("markdown normalizes to %v, want document", got)
	}
	if got := TypeImage.Normalize(); got != TypeImage {
		t.Errorf("image normalizes to %v, want image (sub-kind, not collapsed)", got)
	}
}

func TestEntryTypeIsFileLike(t *testing.T) {
	for _, ty := range []EntryType{TypeFile, TypeImage, TypePDF, TypeAudio, TypeVideo} {
		if !ty.IsFileLike() {
			t.Errorf("%v.IsFileLike() = false, want true", ty)
		}
	}
	for _, ty := range []EntryType{TypeFolder, TypeDocument, TypeCanvas, TypeMarkdown} {
		if ty.IsFileLike() {
			t.Errorf("%v.IsFileLike() = true, want false", ty)
		}
	}
}

func TestResourceBareID(t *testing.T) {
	f := Folder("relay1", "folder1")
	if got := f.BareID(); got != "folder1" {
		t.Errorf("Folder.BareID() = %q, want folder1", got)
	}
	d := Document("relay1", "folder1", "doc1")
	if got := d.BareID(); got != "doc1" {
		t.Errorf("Document.BareID() = %q, want doc1", got)
	}
}
