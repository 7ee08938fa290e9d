package books

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/jung-kurt/gofpdf"
)

// BuildPDF renders a completed book as a printable A4 PDF: a cover sheet
// followed by one sheet per page with the narration above the line art.
// Artwork is fetched through the asset store; a page whose image cannot be
// fetched is rendered text-only.
func BuildPDF(ctx context.Context, book *Book, assets AssetStore) ([]byte, error) {
	if book == nil {
		return nil, ErrNotCompleted
	}

	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetTitle(book.Title, true)
	pdf.SetAutoPageBreak(true, 15)

	pageWidth, _ := pdf.GetPageSize()
	left, _, right, _ := pdf.GetMargins()
	contentWidth := pageWidth - left - right

	writeCoverSheet(ctx, pdf, book, assets, contentWidth)

	for i := range book.Pages {
		writePageSheet(ctx, pdf, book, &book.Pages[i], assets, contentWidth)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("books: render pdf: %w", err)
	}
	return buf.Bytes(), nil
}

func writeCoverSheet(ctx context.Context, pdf *gofpdf.Fpdf, book *Book, assets AssetStore, contentWidth float64) {
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 28)
	pdf.Ln(20)
	pdf.MultiCell(contentWidth, 14, book.Title, "", "C", false)
	pdf.Ln(6)

	pdf.SetFont("Helvetica", "", 13)
	pdf.MultiCell(contentWidth, 7, fmt.Sprintf("%s style coloring book, %d pages", capitalize(book.Style), book.PagesCount), "", "C", false)

	if book.Description != nil && strings.TrimSpace(*book.Description) != "" {
		pdf.Ln(4)
		pdf.SetFont("Helvetica", "I", 11)
		pdf.MultiCell(contentWidth, 6, strings.TrimSpace(*book.Description), "", "C", false)
	}

	if book.CoverImage != nil {
		pdf.Ln(8)
		embedImage(ctx, pdf, assets, *book.CoverImage, contentWidth, 150)
	}
}

func writePageSheet(ctx context.Context, pdf *gofpdf.Fpdf, book *Book, page *Page, assets AssetStore, contentWidth float64) {
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 12)
	pdf.CellFormat(contentWidth, 8, fmt.Sprintf("Page %d", page.PageNumber), "", 1, "R", false, 0, "")
	pdf.Ln(2)

	if page.TextContent != nil && strings.TrimSpace(*page.TextContent) != "" {
		pdf.SetFont("Helvetica", "", 12)
		pdf.MultiCell(contentWidth, 6.5, strings.TrimSpace(*page.TextContent), "", "L", false)
		pdf.Ln(4)
	}

	if page.ImageURL != nil {
		embedImage(ctx, pdf, assets, *page.ImageURL, contentWidth, 190)
	}
}

// embedImage fetches artwork through the asset store and places it centered
// within the content area. Any failure leaves the sheet text-only.
func embedImage(ctx context.Context, pdf *gofpdf.Fpdf, assets AssetStore, url string, contentWidth, maxHeight float64) {
	if assets == nil {
		return
	}

	data, err := assets.Download(ctx, url)
	if err != nil {
		log.Printf("books: fetch artwork for pdf failed: %v", err)
		return
	}

	imageType := imageTypeOf(data)
	if imageType == "" {
		log.Printf("books: unsupported artwork format in pdf export")
		return
	}

	name := fmt.Sprintf("img-%d", pdf.PageNo())
	opts := gofpdf.ImageOptions{ImageType: imageType, ReadDpi: true}
	pdf.RegisterImageOptionsReader(name, opts, bytes.NewReader(data))
	if pdf.Err() {
		log.Printf("books: register artwork for pdf failed: %v", pdf.Error())
		pdf.ClearError()
		return
	}

	info := pdf.GetImageInfo(name)
	width := contentWidth
	height := info.Height() * width / info.Width()
	if height > maxHeight {
		height = maxHeight
		width = info.Width() * height / info.Height()
	}
	left, _, right, _ := pdf.GetMargins()
	pageWidth, _ := pdf.GetPageSize()
	x := left + (pageWidth-left-right-width)/2

	pdf.ImageOptions(name, x, pdf.GetY(), width, height, true, opts, 0, "")
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func imageTypeOf(data []byte) string {
	switch http.DetectContentType(data) {
	case "image/png":
		return "PNG"
	case "image/jpeg":
		return "JPG"
	case "image/gif":
		return "GIF"
	default:
		return ""
	}
}
