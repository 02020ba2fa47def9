package expense

import (
	"context"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("LocalStorage", func() {
	var (
		ctx     context.Context
		dir     string
		storage *LocalStorage
	)

	BeforeEach(func() {
		ctx = context.Background()
		dir = filepath.Join(GinkgoT().TempDir(), "receipts")

		var err error
		storage, err = NewLocalStorage(dir)
		Expect(err).NotTo(HaveOccurred())
	})

	It("should save, get and delete a file", func() {
		path, err := storage.Save(ctx, "id-1_receipt.png", []byte("png"), "image/png")
		Expect(err).NotTo(HaveOccurred())
		Expect(path).To(Equal("id-1_receipt.png"))
		Expect(filepath.Join(dir, "id-1_receipt.png")).To(BeAnExistingFile())

		data, err := storage.Get(ctx, path)
		Expect(err).NotTo(HaveOccurred())
		Expect(data).To(Equal([]byte("png")))

		Expect(storage.Delete(ctx, path)).To(Succeed())
		_, err = storage.Get(ctx, path)
		Expect(err).To(MatchError(ErrNotFound))
	})

	It("should keep paths inside the base directory", func() {
		path, err := storage.Save(ctx, "../../escape.png", []byte("png"), "image/png")
		Expect(err).NotTo(HaveOccurred())

		Expect(filepath.Join(dir, "escape.png")).To(BeAnExistingFile())
		_, statErr := os.Stat(filepath.Join(dir, "..", "escape.png"))
		Expect(os.IsNotExist(statErr)).To(BeTrue())

		data, err := storage.Get(ctx, path)
		Expect(err).NotTo(HaveOccurred())
		Expect(data).To(Equal([]byte("png")))
	})

	It("should reject an empty path", func() {
		_, err := storage.Get(ctx, "")
		Expect(err).To(HaveOccurred())
	})

	It("should refuse to save once the context is done", func() {
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		_, err := storage.Save(cctx, "late.png", []byte("png"), "image/png")
		Expect(err).To(MatchError(context.Canceled))
	})
})

var _ = Describe("sanitizeFilename", func() {
	DescribeTable("cleaning",
		func(in, want string) {
			Expect(sanitizeFilename(in)).To(Equal(want))
		},
		Entry("plain", "receipt.png", "receipt.png"),
		Entry("spaces become underscores", "my  lunch receipt.JPG", "my_lunch_receipt.jpg"),
		Entry("special characters dropped", "café & bar (1).pdf", "caf_bar_1.pdf"),
		Entry("directories dropped", "../../etc/passwd", "passwd"),
		Entry("nothing left", "???.png", "receipt.png"),
		Entry("no name at all", "", "receipt"),
		Entry("odd extension dropped", "photo.p$g", "photo"),
		Entry("long names truncated", "abcdefghijklmnopqrstuvwxyzabcdefghijklmnopqrstuvwxyzabcdef.png", "abcdefghijklmnopqrstuvwxyzabcdefghijklmnopqrstuvwx.png"),
	)
})
