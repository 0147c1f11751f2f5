package invoice

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("LocalStorage", func() {
	var (
		storage *LocalStorage
		baseDir string
	)

	BeforeEach(func() {
		baseDir = filepath.Join(GinkgoT().TempDir(), "exports")
		var err error
		storage, err = NewLocalStorage(baseDir)
		Expect(err).NotTo(HaveOccurred())
	})

	It("creates the export directory", func() {
		info, err := os.Stat(baseDir)
		Expect(err).NotTo(HaveOccurred())
		Expect(info.IsDir()).To(BeTrue())
	})

	Describe("Save", func() {
		It("writes the file and returns its name", func() {
			name, err := storage.Save("run-1_summary.csv", []byte("vendor,count,total\n"))
			Expect(err).NotTo(HaveOccurred())
			Expect(name).To(Equal("run-1_summary.csv"))

			data, err := os.ReadFile(filepath.Join(baseDir, name))
			Expect(err).NotTo(HaveOccurred())
			Expect(string(data)).To(Equal("vendor,count,total\n"))
		})

		It("replaces an existing export", func() {
			_, err := storage.Save("a.csv", []byte("old"))
			Expect(err).NotTo(HaveOccurred())
			_, err = storage.Save("a.csv", []byte("new"))
			Expect(err).NotTo(HaveOccurred())

			data, err := storage.Get("a.csv")
			Expect(err).NotTo(HaveOccurred())
			Expect(string(data)).To(Equal("new"))
		})

		It("leaves no temporary files behind", func() {
			_, err := storage.Save("a.csv", []byte("data"))
			Expect(err).NotTo(HaveOccurred())

			entries, err := os.ReadDir(baseDir)
			Expect(err).NotTo(HaveOccurred())
			Expect(entries).To(HaveLen(1))
		})

		It("keeps names inside the export directory", func() {
			name, err := storage.Save("../../escape.csv", []byte("data"))
			Expect(err).NotTo(HaveOccurred())
			Expect(name).To(Equal("escape.csv"))
			Expect(filepath.Join(baseDir, "escape.csv")).To(BeAnExistingFile())
			Expect(filepath.Join(filepath.Dir(baseDir), "escape.csv")).NotTo(BeAnExistingFile())
		})

		DescribeTable("rejects names without a file part",
			func(name string) {
				_, err := storage.Save(name, []byte("data"))
				Expect(err).To(HaveOccurred())
			},
			Entry("empty", ""),
			Entry("root", "/"),
			Entry("parent", ".."),
		)
	})

	Describe("Get", func() {
		It("returns an error for a missing export", func() {
			_, err := storage.Get("missing.csv")
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("Delete", func() {
		It("removes the export", func() {
			_, err := storage.Save("a.csv", []byte("data"))
			Expect(err).NotTo(HaveOccurred())
			Expect(storage.Delete("a.csv")).To(Succeed())
			Expect(filepath.Join(baseDir, "a.csv")).NotTo(BeAnExistingFile())
		})

		It("returns an error for a missing export", func() {
			Expect(storage.Delete("missing.csv")).NotTo(Succeed())
		})
	})
})
