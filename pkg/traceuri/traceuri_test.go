package traceuri

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	. "github.com/onsi/gomega"
)

func TestLoadFileReadsLocalPath(t *testing.T) {
	g := NewWithT(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "trace.cbor")
	g.Expect(os.WriteFile(path, []byte("hello"), 0o600)).To(Succeed())

	data, err := Load(context.Background(), "file://"+path)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(data).To(Equal([]byte("hello")))
}

func TestLoadRejectsUnregisteredScheme(t *testing.T) {
	g := NewWithT(t)

	_, err := Load(context.Background(), "ftp://example.com/trace.cbor")
	g.Expect(err).To(HaveOccurred())
}

func TestLoadReportsUnsupportedGCSScheme(t *testing.T) {
	g := NewWithT(t)

	_, err := Load(context.Background(), "gs://bucket/trace.cbor")
	g.Expect(err).To(HaveOccurred())
}

func TestLoadRejectsMalformedS3URI(t *testing.T) {
	g := NewWithT(t)

	_, err := Load(context.Background(), "s3:///missing-bucket")
	g.Expect(err).To(HaveOccurred())
}
