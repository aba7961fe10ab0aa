package scanning

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("cleanLabelText", func() {
	var (
		text string
		raw  string
		err  error
	)

	JustBeforeEach(func() {
		raw, err = cleanLabelText(text)
	})

	When("the model answers with the bare code", func() {
		BeforeEach(func() {
			text = "  WO-1042\n"
		})

		It("should not return an error", func() {
			Expect(err).NotTo(HaveOccurred())
		})

		It("should return the trimmed code", func() {
			Expect(raw).To(Equal("WO-1042"))
		})
	})

	When("the model wraps a JSON ticket in a code block", func() {
		BeforeEach(func() {
			text = "```json\n{\"wo\":\"WO-1042\",\"cf\":\"Mike\"}\n```"
		})

		It("should return the JSON object", func() {
			Expect(raw).To(Equal(`{"wo":"WO-1042","cf":"Mike"}`))
		})
	})

	When("the model wraps the code in an inline code block", func() {
		BeforeEach(func() {
			text = "```CUST-00017```"
		})

		It("should strip the fences", func() {
			Expect(raw).To(Equal("CUST-00017"))
		})
	})

	When("the model quotes the code", func() {
		BeforeEach(func() {
			text = `"WO-1042|Mike|McClure|Laptop|Dell"`
		})

		It("should strip the quotes", func() {
			Expect(raw).To(Equal("WO-1042|Mike|McClure|Laptop|Dell"))
		})
	})

	When("the model found no code", func() {
		BeforeEach(func() {
			text = "none"
		})

		It("returns ErrNoLabel", func() {
			Expect(err).To(MatchError(ErrNoLabel))
		})
	})

	When("the model answered with nothing", func() {
		BeforeEach(func() {
			text = "   "
		})

		It("returns ErrNoLabel", func() {
			Expect(err).To(MatchError(ErrNoLabel))
		})
	})
})

var _ = Describe("normalizeLabelImage", func() {
	It("should pass PNG data through unchanged", func() {
		data := testPNG()
		out, err := normalizeLabelImage(data, "image/png")
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(Equal(data))
	})

	It("should reject data it cannot decode", func() {
		_, err := normalizeLabelImage([]byte("not an image"), "image/jpeg")
		Expect(err).To(MatchError(ContainSubstring("unsupported image format")))
	})

	It("should detect HEIC by its ftyp brand", func() {
		Expect(isHEICFormat([]byte("\x00\x00\x00\x18ftypheic\x00\x00"))).To(BeTrue())
		Expect(isHEICFormat([]byte("\x00\x00\x00\x18ftypisom\x00\x00"))).To(BeFalse())
	})
})
