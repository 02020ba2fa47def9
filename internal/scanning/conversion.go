package scanning

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	"image/png"
	"strings"

	"github.com/gen2brain/go-fitz"
	"github.com/gen2brain/heic"
)

// noTextMarker is what the models are told to answer when a photo has no legible text
const noTextMarker = "NO_TEXT"

// readTextPrompt is the shared OCR prompt used by all providers
const readTextPrompt = `You are an OCR engine. Transcribe all text printed on this receipt, invoice or payment screenshot.

Rules:
- Reproduce the text line by line, in reading order, exactly as printed
- Keep prices, currency symbols and totals exactly as they appear
- Do not summarize, translate or explain anything
- Do not use markdown code blocks
- If there is no legible text at all, answer with exactly: ` + noTextMarker

// labelPrompt is the shared classification prompt. The category list and text are appended.
const labelPrompt = `You categorize personal expenses. Pick exactly one category for the expense described below.

Return ONLY valid JSON in this exact format:
{
  "category": "<one of the categories>",
  "confidence": 0.0
}

Important:
- category must be copied verbatim from the list of categories
- confidence is a number between 0 and 1 describing how sure you are
- If nothing fits, use "Other" with a low confidence
- Do not include any text before or after the JSON
- Do not use markdown code blocks`

// buildLabelPrompt renders the classification prompt for one expense
func buildLabelPrompt(text string, categories []string) string {
	var b strings.Builder
	b.WriteString(labelPrompt)
	b.WriteString("\n\nCategories: ")
	b.WriteString(strings.Join(categories, ", "))
	b.WriteString("\n\nExpense: ")
	b.WriteString(text)
	return b.String()
}

// cleanReadText trims model chatter around an OCR answer
func cleanReadText(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```text")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)
	if strings.EqualFold(text, noTextMarker) {
		return ""
	}
	return text
}

// pdfToImage converts a PDF to a PNG image
func pdfToImage(pdfData []byte) ([]byte, error) {
	doc, err := fitz.NewFromMemory(pdfData)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w: %w", ErrUnsupportedFormat, err)
	}
	defer doc.Close()

	// Receipts are single page
	img, err := doc.Image(0)
	if err != nil {
		return nil, fmt.Errorf("rendering PDF page: %w", err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding PNG: %w", err)
	}

	return buf.Bytes(), nil
}

// imageToPNG converts any image format to PNG
func imageToPNG(imageData []byte, mimeType string) ([]byte, error) {
	var img image.Image
	var err error

	// Go's standard image package doesn't support HEIC
	if isHEICFormat(imageData) || isHEICMimeType(mimeType) {
		img, err = heic.Decode(bytes.NewReader(imageData))
		if err != nil {
			return nil, fmt.Errorf("decoding HEIC/HEIF image: %w: %w", ErrUnsupportedFormat, err)
		}
	} else {
		img, _, err = image.Decode(bytes.NewReader(imageData))
		if err != nil {
			return nil, fmt.Errorf("decoding image (supported: JPEG, PNG, GIF, HEIC, HEIF, PDF): %w: %w", ErrUnsupportedFormat, err)
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding PNG: %w", err)
	}

	return buf.Bytes(), nil
}

// isHEICFormat checks for an ftyp box with a HEIC-family brand at offset 4
func isHEICFormat(data []byte) bool {
	if len(data) < 12 {
		return false
	}
	if string(data[4:8]) == "ftyp" {
		brand := string(data[8:12])
		if brand == "heic" || brand == "heif" || brand == "mif1" || brand == "msf1" {
			return true
		}
	}
	return false
}

// isHEICMimeType checks if the MIME type indicates HEIC/HEIF format
func isHEICMimeType(mimeType string) bool {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	return strings.Contains(mimeType, "heic") || strings.Contains(mimeType, "heif")
}

// convertToPNG converts PDFs and non-PNG images to PNG format
// Returns the PNG data and a boolean indicating if conversion occurred
func convertToPNG(imageData []byte, mimeType string) ([]byte, bool, error) {
	if mimeType == "application/pdf" {
		pngData, err := pdfToImage(imageData)
		if err != nil {
			return nil, false, fmt.Errorf("converting PDF to image: %w", err)
		}
		return pngData, true, nil
	} else if mimeType != "image/png" || isHEICFormat(imageData) || isHEICMimeType(mimeType) {
		pngData, err := imageToPNG(imageData, mimeType)
		if err != nil {
			return nil, false, fmt.Errorf("converting image to PNG: %w", err)
		}
		return pngData, true, nil
	}
	return imageData, false, nil
}

// prepareImageData normalizes the MIME type and converts the image to PNG if needed.
// The returned data is always PNG.
func prepareImageData(imageData []byte, contentType string) ([]byte, bool, error) {
	mimeType := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.Index(mimeType, ";"); i != -1 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}
	if mimeType == "" {
		mimeType = "image/jpeg"
	}

	return convertToPNG(imageData, mimeType)
}
