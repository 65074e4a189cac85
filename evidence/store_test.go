package evidence

import (
	"errors"
	"regexp"
	"strings"
	"testing"
)

func TestValidateUpload(t *testing.T) {
	cases := []struct {
		contentType string
		size        int64
		want        error
	}{
		{"image/png", 1024, nil},
		{"application/pdf; charset=binary", MaxSize, nil},
		{"TEXT/PLAIN", 10, nil},
		{"application/zip", 10, ErrContentType},
		{"video/mp4", 10, ErrContentType},
		{"image/jpeg", 0, ErrEmptyFile},
		{"image/jpeg", MaxSize + 1, ErrTooLarge},
	}
	for _, tc := range cases {
		err := ValidateUpload(tc.contentType, tc.size)
		if tc.want == nil && err != nil {
			t.Errorf("%s/%d: unexpected error %v", tc.contentType, tc.size, err)
		}
		if tc.want != nil && !errors.Is(err, tc.want) {
			t.Errorf("%s/%d: expected %v, got %v", tc.contentType, tc.size, tc.want, err)
		}
	}
}

func TestSanitizeName(t *testing.T) {
	cases := map[string]string{
		"receipt.pdf":             "receipt.pdf",
		"../../etc/passwd":        "passwd",
		`C:\Users\me\photo 1.JPG`: "photo-1.JPG",
		"   ":                     "file",
		"...":                     "file",
		"invoice (final)!!.png":   "invoice-final-.png",
	}
	for in, want := range cases {
		if got := SanitizeName(in); got != want {
			t.Errorf("SanitizeName(%q) = %q, want %q", in, got, want)
		}
	}
	long := SanitizeName(strings.Repeat("a", 200) + ".jpeg")
	if len(long) > 80 || !strings.HasSuffix(long, ".jpeg") {
		t.Errorf("long name not truncated with extension: %q", long)
	}
}

func TestObjectKey(t *testing.T) {
	key := NewObjectKey("d-1", "My Photo.png")
	pattern := regexp.MustCompile(`^disputes/d-1/[0-9a-f-]{36}-My-Photo\.png$`)
	if !pattern.MatchString(key) {
		t.Fatalf("unexpected key %q", key)
	}
	if err := CheckScope("d-1", key); err != nil {
		t.Fatalf("own key rejected: %v", err)
	}
	if err := CheckScope("d-2", key); !errors.Is(err, ErrKeyScope) {
		t.Fatalf("foreign key: expected scope error, got %v", err)
	}
	if err := CheckScope("d-1", "disputes/d-1/../d-2/x"); !errors.Is(err, ErrKeyScope) {
		t.Fatalf("traversal: expected scope error, got %v", err)
	}
}
