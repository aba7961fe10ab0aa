package shop

import (
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("LocalStorage", func() {
	var (
		tmpDir  string
		storage Storage
	)

	BeforeEach(func() {
		tmpDir = GinkgoT().TempDir()
		var err error
		storage, err = NewLocalStorage(tmpDir)
		Expect(err).NotTo(HaveOccurred())
	})

	Describe("Save", func() {
		var (
			path      string
			savedPath string
			err       error
		)

		BeforeEach(func() {
			path = filepath.Join("7", "abc_invoice.pdf")
		})

		JustBeforeEach(func() {
			savedPath, err = storage.Save(path, []byte("attachment"))
		})

		When("the path is inside the storage directory", func() {
			It("should not return an error", func() {
				Expect(err).NotTo(HaveOccurred())
			})

			It("should return the relative path", func() {
				Expect(savedPath).To(Equal(path))
			})

			It("should create the work order directory", func() {
				Expect(filepath.Join(tmpDir, "7")).To(BeADirectory())
				Expect(filepath.Join(tmpDir, path)).To(BeAnExistingFile())
			})
		})

		When("the path escapes the storage directory", func() {
			BeforeEach(func() {
				path = "../outside.txt"
			})

			It("returns the error", func() {
				Expect(err).To(MatchError(ContainSubstring("invalid storage path")))
			})

			It("should not write the file", func() {
				Expect(filepath.Join(filepath.Dir(tmpDir), "outside.txt")).NotTo(BeAnExistingFile())
			})
		})

		When("the path is absolute", func() {
			BeforeEach(func() {
				path = "/etc/passwd"
			})

			It("returns the error", func() {
				Expect(err).To(MatchError(ContainSubstring("invalid storage path")))
			})
		})
	})

	Describe("Get", func() {
		var (
			path string
			data []byte
			err  error
		)

		JustBeforeEach(func() {
			data, err = storage.Get(path)
		})

		When("the file exists", func() {
			BeforeEach(func() {
				path = "3/photo.jpg"
				_, saveErr := storage.Save(path, []byte("test file content"))
				Expect(saveErr).NotTo(HaveOccurred())
			})

			It("should not return an error", func() {
				Expect(err).NotTo(HaveOccurred())
			})

			It("should return the file data", func() {
				Expect(string(data)).To(Equal("test file content"))
			})
		})

		When("the file does not exist", func() {
			BeforeEach(func() {
				path = "nonexistent.jpg"
			})

			It("returns the error", func() {
				Expect(err).To(MatchError(ContainSubstring("reading file")))
			})
		})
	})

	Describe("Delete", func() {
		var (
			path string
			err  error
		)

		JustBeforeEach(func() {
			err = storage.Delete(path)
		})

		When("the file exists", func() {
			BeforeEach(func() {
				path = "3/photo.jpg"
				_, saveErr := storage.Save(path, []byte("test content"))
				Expect(saveErr).NotTo(HaveOccurred())
			})

			It("should not return an error", func() {
				Expect(err).NotTo(HaveOccurred())
			})

			It("should remove the file from disk", func() {
				Expect(filepath.Join(tmpDir, path)).NotTo(BeAnExistingFile())
			})
		})

		When("the file does not exist", func() {
			BeforeEach(func() {
				path = "nonexistent.jpg"
			})

			It("returns the error", func() {
				Expect(err).To(MatchError(ContainSubstring("deleting file")))
			})
		})
	})

	Describe("NewLocalStorage", func() {
		When("the directory does not exist", func() {
			It("should create it", func() {
				storagePath := filepath.Join(GinkgoT().TempDir(), "attachments")
				_, err := NewLocalStorage(storagePath)
				Expect(err).NotTo(HaveOccurred())
				Expect(storagePath).To(BeADirectory())
			})
		})
	})
})
