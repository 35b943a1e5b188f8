package receipt

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/cashback-tracker/internal/ledger"
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
			userID string
			ref    string
			err    error
		)

		BeforeEach(func() {
			userID = "u1"
		})

		JustBeforeEach(func() {
			ref, err = storage.Save(userID, "r1_receipt.jpg", []byte("receipt image"))
		})

		It("stores the image in the user's directory", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(ref).To(Equal("u1/r1_receipt.jpg"))
			Expect(filepath.Join(tmpDir, "u1", "r1_receipt.jpg")).To(BeAnExistingFile())
		})

		It("leaves no temporary files behind", func() {
			names, readErr := os.ReadDir(filepath.Join(tmpDir, "u1"))
			Expect(readErr).NotTo(HaveOccurred())
			Expect(names).To(HaveLen(1))
		})

		When("the user id is not a safe directory name", func() {
			BeforeEach(func() {
				userID = "../telegram:42"
			})

			It("keeps the image inside the store", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(ref).To(Equal(".._telegram_42/r1_receipt.jpg"))
				Expect(filepath.Join(tmpDir, ".._telegram_42", "r1_receipt.jpg")).To(BeAnExistingFile())
			})
		})

		When("the user id is only dots", func() {
			BeforeEach(func() {
				userID = ".."
			})

			It("uses a placeholder directory", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(ref).To(Equal("_/r1_receipt.jpg"))
			})
		})

		When("the image already exists", func() {
			BeforeEach(func() {
				_, saveErr := storage.Save("u1", "r1_receipt.jpg", []byte("old"))
				Expect(saveErr).NotTo(HaveOccurred())
			})

			It("replaces it", func() {
				data, getErr := storage.Get(ref)
				Expect(getErr).NotTo(HaveOccurred())
				Expect(string(data)).To(Equal("receipt image"))
			})
		})
	})

	Describe("Get", func() {
		var (
			ref  string
			data []byte
			err  error
		)

		JustBeforeEach(func() {
			data, err = storage.Get(ref)
		})

		When("the image exists", func() {
			BeforeEach(func() {
				var saveErr error
				ref, saveErr = storage.Save("u1", "r1.png", []byte("png bytes"))
				Expect(saveErr).NotTo(HaveOccurred())
			})

			It("returns the stored bytes", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(string(data)).To(Equal("png bytes"))
			})
		})

		When("the image does not exist", func() {
			BeforeEach(func() {
				ref = "u1/missing.png"
			})

			It("returns not found", func() {
				Expect(err).To(MatchError(ledger.ErrNotFound))
			})
		})

		When("the ref escapes the store", func() {
			BeforeEach(func() {
				ref = "../outside.png"
			})

			It("rejects it", func() {
				Expect(err).To(MatchError(ErrInvalidImageRef))
			})
		})

		When("the ref is absolute", func() {
			BeforeEach(func() {
				ref = "/etc/passwd"
			})

			It("rejects it", func() {
				Expect(err).To(MatchError(ErrInvalidImageRef))
			})
		})
	})

	Describe("Delete", func() {
		var (
			ref string
			err error
		)

		JustBeforeEach(func() {
			err = storage.Delete(ref)
		})

		When("the image exists", func() {
			BeforeEach(func() {
				var saveErr error
				ref, saveErr = storage.Save("u1", "r1.png", []byte("png bytes"))
				Expect(saveErr).NotTo(HaveOccurred())
			})

			It("removes it", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(filepath.Join(tmpDir, "u1", "r1.png")).NotTo(BeAnExistingFile())
				_, getErr := storage.Get(ref)
				Expect(getErr).To(MatchError(ledger.ErrNotFound))
			})
		})

		When("the image does not exist", func() {
			BeforeEach(func() {
				ref = "u1/missing.png"
			})

			It("succeeds", func() {
				Expect(err).NotTo(HaveOccurred())
			})
		})

		When("the ref escapes the store", func() {
			BeforeEach(func() {
				ref = "u1/../../outside.png"
			})

			It("rejects it", func() {
				Expect(err).To(MatchError(ErrInvalidImageRef))
			})
		})
	})

	Describe("NewLocalStorage", func() {
		It("creates a missing directory", func() {
			storagePath := filepath.Join(GinkgoT().TempDir(), "receipts", "images")
			_, err := NewLocalStorage(storagePath)
			Expect(err).NotTo(HaveOccurred())
			Expect(storagePath).To(BeADirectory())
		})

		It("fails when the path is a file", func() {
			file := filepath.Join(GinkgoT().TempDir(), "taken")
			Expect(os.WriteFile(file, []byte("x"), 0644)).To(Succeed())
			_, err := NewLocalStorage(file)
			Expect(err).To(MatchError(ContainSubstring("creating storage directory")))
		})
	})
})
