// Package loader reads source documents into sections and splits them into
// chunks ready for embedding.
package loader

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"
	"github.com/rs/zerolog/log"
	"github.com/xuri/excelize/v2"
	"golang.org/x/sync/errgroup"

	"research-rag/internal/models"
)

// Section is a titled span of a document: a page, slide, sheet or markdown heading.
type Section struct {
	Title string
	Page  int
	Text  string
}

type Document struct {
	SourceID string
	Path     string
	Sections []Section
}

// SourceID derives the source id of a file from its name.
func SourceID(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Load parses a single file, choosing the reader by extension.
func Load(path string) (*Document, error) {
	var (
		sections []Section
		err      error
	)
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".pdf":
		sections, err = parsePDF(path)
	case ".docx":
		sections, err = parseDOCX(path)
	case ".pptx":
		sections, err = parsePPTX(path)
	case ".xlsx", ".xlsm":
		sections, err = parseXLSX(path)
	case ".md", ".markdown":
		var data []byte
		if data, err = os.ReadFile(path); err == nil {
			sections = parseMarkdown(data)
		}
	case ".txt":
		sections, err = parseText(path)
	default:
		return nil, &models.ValidationError{Field: "file", Reason: fmt.Sprintf("unsupported file format: %s", ext)}
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	log.Debug().Str("path", path).Int("sections", len(sections)).Msg("Loaded document")
	return &Document{SourceID: SourceID(path), Path: path, Sections: sections}, nil
}

// LoadAll parses files concurrently with at most workers in flight. Documents
// are returned in the order of paths.
func LoadAll(ctx context.Context, paths []string, workers int) ([]*Document, error) {
	if workers <= 0 {
		workers = 1
	}
	docs := make([]*Document, len(paths))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, p := range paths {
		i, p := i, p
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			doc, err := Load(p)
			if err != nil {
				return err
			}
			docs[i] = doc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return docs, nil
}

func parsePDF(path string) ([]Section, error) {
	f, reader, err := pdf.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var sections []Section
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", i, err)
		}
		if text = normalizeSpace(text); text != "" {
			sections = append(sections, Section{Title: fmt.Sprintf("Page %d", i), Page: i, Text: text})
		}
	}
	return sections, nil
}

func parseDOCX(path string) ([]Section, error) {
	r, err := docx.ReadDocxFile(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	text := xmlText(r.Editable().GetContent(), "</w:p>")
	if text == "" {
		return nil, nil
	}
	return []Section{{Text: text}}, nil
}

var slideName = regexp.MustCompile(`^ppt/slides/slide(\d+)\.xml$`)

func parsePPTX(path string) ([]Section, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	type slide struct {
		num  int
		file *zip.File
	}
	var slides []slide
	for _, f := range zr.File {
		if m := slideName.FindStringSubmatch(f.Name); m != nil {
			n, _ := strconv.Atoi(m[1])
			slides = append(slides, slide{num: n, file: f})
		}
	}
	sort.Slice(slides, func(i, j int) bool { return slides[i].num < slides[j].num })

	var sections []Section
	for _, s := range slides {
		rc, err := s.file.Open()
		if err != nil {
			return nil, fmt.Errorf("slide %d: %w", s.num, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("slide %d: %w", s.num, err)
		}
		if text := xmlText(string(data), "</a:p>"); text != "" {
			sections = append(sections, Section{Title: fmt.Sprintf("Slide %d", s.num), Page: s.num, Text: text})
		}
	}
	return sections, nil
}

func parseXLSX(path string) ([]Section, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var sections []Section
	for i, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			log.Warn().Err(err).Str("sheet", sheet).Msg("Skipping unreadable sheet")
			continue
		}
		var b strings.Builder
		for _, row := range rows {
			line := strings.TrimSpace(strings.Join(row, "\t"))
			if line != "" {
				b.WriteString(line)
				b.WriteByte('\n')
			}
		}
		if text := strings.TrimSpace(b.String()); text != "" {
			sections = append(sections, Section{Title: sheet, Page: i + 1, Text: text})
		}
	}
	return sections, nil
}

func parseText(path string) ([]Section, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return nil, nil
	}
	return []Section{{Text: text}}, nil
}

var (
	xmlTag     = regexp.MustCompile(`<[^>]+>`)
	blankLines = regexp.MustCompile(`\n\s*\n+`)
	spaceRun   = regexp.MustCompile(`[ \t]+`)
)

// xmlText strips markup from an OOXML part, turning paragraph ends into newlines.
func xmlText(content, paragraphEnd string) string {
	content = strings.ReplaceAll(content, paragraphEnd, "\n")
	content = xmlTag.ReplaceAllString(content, "")
	replacer := strings.NewReplacer("&amp;", "&", "&lt;", "<", "&gt;", ">", "&quot;", `"`, "&apos;", "'")
	return normalizeSpace(replacer.Replace(content))
}

func normalizeSpace(s string) string {
	s = spaceRun.ReplaceAllString(s, " ")
	s = blankLines.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
