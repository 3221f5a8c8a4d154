package reports

import (
	"bytes"
	"fmt"

	"github.com/go-pdf/fpdf"
)

type rgb struct{ r, g, b int }

var (
	colorPrimary = rgb{30, 58, 138}
	colorText    = rgb{30, 41, 59}
	colorMuted   = rgb{100, 116, 139}
	colorBand    = rgb{241, 245, 249}
	colorWarn    = rgb{180, 83, 9}
	colorWarnBg  = rgb{255, 251, 235}
	colorAlert   = rgb{239, 68, 68}
	colorOK      = rgb{16, 185, 129}
)

const (
	marginMM   = 15.0
	lineHeight = 5.5
)

// document wraps an fpdf page stream with the report's house style. Text is
// passed through a cp1252 translator because only core fonts are used.
type document struct {
	pdf      *fpdf.Fpdf
	tr       func(string) string
	title    string
	subtitle string
	images   int
}

func newDocument(title, subtitle string, d Data) *document {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(marginMM, marginMM, marginMM)
	pdf.SetAutoPageBreak(true, 18)
	pdf.SetTitle(title, true)
	pdf.SetAuthor("NeuroScan", true)
	pdf.SetCreator("neuroscan "+d.ModelVersion, true)
	pdf.SetSubject(d.SessionCode, true)
	if !d.GeneratedAt.IsZero() {
		pdf.SetCreationDate(d.GeneratedAt)
	}
	pdf.AliasNbPages("")

	doc := &document{pdf: pdf, tr: pdf.UnicodeTranslatorFromDescriptor(""), title: title, subtitle: subtitle}
	pdf.SetHeaderFunc(doc.header)
	pdf.SetFooterFunc(doc.footer)
	pdf.AddPage()
	return doc
}

func (d *document) setColor(c rgb) { d.pdf.SetTextColor(c.r, c.g, c.b) }

func (d *document) header() {
	d.pdf.SetFont("Helvetica", "B", 14)
	d.setColor(colorPrimary)
	d.pdf.CellFormat(0, 8, d.tr(d.title), "", 1, "L", false, 0, "")
	d.pdf.SetFont("Helvetica", "", 9)
	d.setColor(colorMuted)
	d.pdf.CellFormat(0, 5, d.tr(d.subtitle), "", 1, "L", false, 0, "")
	d.pdf.SetDrawColor(colorPrimary.r, colorPrimary.g, colorPrimary.b)
	y := d.pdf.GetY() + 1
	w, _ := d.pdf.GetPageSize()
	d.pdf.Line(marginMM, y, w-marginMM, y)
	d.pdf.Ln(5)
	d.setColor(colorText)
}

func (d *document) footer() {
	d.pdf.SetY(-12)
	d.pdf.SetFont("Helvetica", "I", 8)
	d.setColor(colorMuted)
	d.pdf.CellFormat(0, 6, fmt.Sprintf("Page %d/{nb}", d.pdf.PageNo()), "", 0, "C", false, 0, "")
}

func (d *document) contentWidth() float64 {
	w, _ := d.pdf.GetPageSize()
	return w - 2*marginMM
}

// ensureSpace starts a new page unless h mm remain above the bottom margin.
func (d *document) ensureSpace(h float64) {
	_, ph := d.pdf.GetPageSize()
	if d.pdf.GetY()+h > ph-20 {
		d.pdf.AddPage()
	}
}

func (d *document) section(title string) {
	d.ensureSpace(24)
	d.pdf.Ln(2)
	d.pdf.SetFont("Helvetica", "B", 12)
	d.pdf.SetFillColor(colorBand.r, colorBand.g, colorBand.b)
	d.setColor(colorPrimary)
	d.pdf.CellFormat(0, 8, " "+d.tr(title), "", 1, "L", true, 0, "")
	d.pdf.Ln(2)
	d.setColor(colorText)
}

func (d *document) keyValue(key, value string) {
	d.pdf.SetFont("Helvetica", "B", 9.5)
	d.setColor(colorMuted)
	d.pdf.CellFormat(55, lineHeight, d.tr(key), "", 0, "L", false, 0, "")
	d.pdf.SetFont("Helvetica", "", 9.5)
	d.setColor(colorText)
	d.pdf.MultiCell(0, lineHeight, d.tr(value), "", "L", false)
}

func (d *document) paragraph(text string) {
	d.pdf.SetFont("Helvetica", "", 9.5)
	d.setColor(colorText)
	d.pdf.MultiCell(0, lineHeight, d.tr(text), "", "L", false)
	d.pdf.Ln(1)
}

func (d *document) note(text string) {
	d.pdf.SetFont("Helvetica", "I", 8.5)
	d.setColor(colorMuted)
	d.pdf.MultiCell(0, 4.5, d.tr(text), "", "L", false)
	d.setColor(colorText)
}

func (d *document) highlight(text string, c rgb) {
	d.pdf.SetFont("Helvetica", "B", 12)
	d.setColor(c)
	d.pdf.MultiCell(0, 7, d.tr(text), "", "L", false)
	d.setColor(colorText)
	d.pdf.Ln(1)
}

func (d *document) bullets(title string, items []string) {
	d.ensureSpace(10 + float64(len(items))*6)
	if title != "" {
		d.pdf.SetFont("Helvetica", "B", 10)
		d.setColor(colorPrimary)
		d.pdf.CellFormat(0, 6, d.tr(title), "", 1, "L", false, 0, "")
	}
	d.pdf.SetFont("Helvetica", "", 9)
	d.setColor(colorText)
	for _, item := range items {
		d.pdf.CellFormat(6, lineHeight, d.tr("•"), "", 0, "R", false, 0, "")
		d.pdf.MultiCell(d.contentWidth()-6, lineHeight, d.tr(item), "", "L", false)
	}
	d.pdf.Ln(2)
}

func (d *document) numbered(items []string) {
	d.pdf.SetFont("Helvetica", "", 9)
	for i, item := range items {
		d.pdf.CellFormat(8, lineHeight, fmt.Sprintf("%d.", i+1), "", 0, "L", false, 0, "")
		d.pdf.MultiCell(d.contentWidth()-8, lineHeight, d.tr(item), "", "L", false)
	}
	d.pdf.Ln(2)
}

// table draws a header row and body rows; widths are fractions of the
// content width.
func (d *document) table(headers []string, widths []float64, rows [][]string) {
	cw := d.contentWidth()
	d.ensureSpace(14)
	d.pdf.SetFont("Helvetica", "B", 8.5)
	d.pdf.SetFillColor(colorPrimary.r, colorPrimary.g, colorPrimary.b)
	d.pdf.SetTextColor(255, 255, 255)
	for i, h := range headers {
		d.pdf.CellFormat(widths[i]*cw, 7, d.tr(h), "1", 0, "C", true, 0, "")
	}
	d.pdf.Ln(-1)
	d.pdf.SetFont("Helvetica", "", 8.5)
	d.setColor(colorText)
	for r, row := range rows {
		d.ensureSpace(7)
		fill := r%2 == 1
		d.pdf.SetFillColor(colorBand.r, colorBand.g, colorBand.b)
		for i, cell := range row {
			align := "C"
			if i == 0 {
				align = "L"
			}
			d.pdf.CellFormat(widths[i]*cw, 6, d.tr(cell), "1", 0, align, fill, 0, "")
		}
		d.pdf.Ln(-1)
	}
	d.pdf.Ln(3)
}

// image embeds a PNG scaled to width mm; a missing image leaves a note.
func (d *document) image(png []byte, width float64, missing string) {
	if len(png) == 0 {
		d.note(missing)
		return
	}
	d.images++
	name := fmt.Sprintf("img%d", d.images)
	opts := fpdf.ImageOptions{ImageType: "PNG"}
	info := d.pdf.RegisterImageOptionsReader(name, opts, bytes.NewReader(png))
	if info == nil || d.pdf.Err() {
		return
	}
	h := width * info.Height() / info.Width()
	d.ensureSpace(h + 4)
	x := marginMM + (d.contentWidth()-width)/2
	d.pdf.ImageOptions(name, x, d.pdf.GetY(), width, h, true, opts, 0, "")
	d.pdf.Ln(3)
}

func (d *document) disclaimer(lines []string) {
	d.ensureSpace(12 + float64(len(lines))*9)
	d.pdf.Ln(3)
	d.pdf.SetFillColor(colorWarnBg.r, colorWarnBg.g, colorWarnBg.b)
	d.pdf.SetFont("Helvetica", "B", 8.5)
	d.setColor(colorWarn)
	d.pdf.CellFormat(0, 6, "IMPORTANT MEDICAL DISCLAIMER", "", 1, "L", true, 0, "")
	d.pdf.SetFont("Helvetica", "", 7.5)
	for _, l := range lines {
		d.pdf.MultiCell(0, 4.5, d.tr(l), "", "L", true)
	}
	d.setColor(colorText)
}

func (d *document) output() ([]byte, error) {
	var buf bytes.Buffer
	if err := d.pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
