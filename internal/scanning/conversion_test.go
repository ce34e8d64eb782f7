package scanning

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Conversion", func() {
	var jpegData []byte

	BeforeEach(func() {
		img := image.NewRGBA(image.Rect(0, 0, 4, 4))
		img.Set(1, 1, color.RGBA{R: 255, A: 255})
		var buf bytes.Buffer
		Expect(jpeg.Encode(&buf, img, nil)).To(Succeed())
		jpegData = buf.Bytes()
	})

	heicHeader := func() []byte {
		return append([]byte{0, 0, 0, 24}, []byte("ftypheic0000")...)
	}

	DescribeTable("DetectMimeType",
		func(data func() []byte, want string) {
			Expect(DetectMimeType(data())).To(Equal(want))
		},
		Entry("pdf", func() []byte { return []byte("%PDF-1.4\n...") }, "application/pdf"),
		Entry("heic", heicHeader, "image/heic"),
		Entry("text", func() []byte { return []byte("hello") }, "text/plain"),
	)

	It("normalizes content types", func() {
		Expect(normalizeMimeType(" Image/JPEG; charset=binary")).To(Equal("image/jpeg"))
		Expect(normalizeMimeType("")).To(Equal("image/jpeg"))
	})

	It("converts JPEG to PNG for vision models", func() {
		out, err := prepareForVision(jpegData, "image/jpeg")
		Expect(err).NotTo(HaveOccurred())
		Expect(DetectMimeType(out)).To(Equal("image/png"))
	})

	It("leaves PNG untouched for vision models", func() {
		png, err := imageToPNG(jpegData, "image/jpeg")
		Expect(err).NotTo(HaveOccurred())
		out, err := prepareForVision(png, "image/png")
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(Equal(png))
	})

	It("passes native formats through to the processor", func() {
		out, mimeType, err := prepareForProcessor([]byte("%PDF-1.4"), "application/pdf")
		Expect(err).NotTo(HaveOccurred())
		Expect(mimeType).To(Equal("application/pdf"))
		Expect(out).To(Equal([]byte("%PDF-1.4")))
	})

	It("rejects unknown image formats", func() {
		_, err := imageToPNG([]byte("not an image"), "image/webp")
		Expect(err).To(MatchError(ContainSubstring("unsupported image format")))
	})
})
