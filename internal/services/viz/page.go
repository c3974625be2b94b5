package viz

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"io"
	"strings"
	"sync"
)

const (
	assetBase      = "https://go-echarts.github.io/go-echarts-assets/assets/"
	echartsAsset   = assetBase + "echarts.min.js"
	echartsGLAsset = assetBase + "echarts-gl.min.js"
	styleTagLen    = 8 // len("</style>")
)

//go:embed templates/*.html
var templateFS embed.FS

var (
	templates     *template.Template
	templatesOnce sync.Once
	errTemplates  error
)

func getTemplates() (*template.Template, error) {
	templatesOnce.Do(func() {
		var parseErr error
		templates, parseErr = template.New("").ParseFS(templateFS, "templates/*.html")
		if parseErr != nil {
			errTemplates = fmt.Errorf("parsing templates: %w", parseErr)
		}
	})
	return templates, errTemplates
}

func renderTemplate(name string, data any) (template.HTML, error) {
	tmpl, err := getTemplates()
	if err != nil {
		return "", fmt.Errorf("loading templates: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("executing template %s: %w", name, err)
	}
	return template.HTML(buf.String()), nil
}

type pageData struct {
	Title   string
	Assets  []string
	Content template.HTML
	Loader  template.HTML
}

// renderPage writes the self-contained HTML document for a figure. Loader
// is empty for chart families without detail tiles.
func renderPage(w io.Writer, title string, fig *figure, loader template.HTML) error {
	var content bytes.Buffer
	for _, c := range fig.charts {
		var buf bytes.Buffer
		if err := c.Render(&buf); err != nil {
			return fmt.Errorf("rendering chart: %w", err)
		}
		content.WriteString(extractChartContent(buf.String()))
	}

	assets := []string{echartsAsset}
	if fig.needGL {
		assets = append(assets, echartsGLAsset)
	}

	html, err := renderTemplate("page.html", pageData{
		Title:   title,
		Assets:  assets,
		Content: template.HTML(content.String()),
		Loader:  loader,
	})
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte(html)); err != nil {
		return fmt.Errorf("writing page: %w", err)
	}
	return nil
}

// extractChartContent reduces the full HTML page the chart library emits
// to the chart element and its init script. Content that is already a
// fragment passes through untouched.
func extractChartContent(html string) string {
	trimmed := strings.TrimSpace(html)
	if !strings.HasPrefix(trimmed, "<!DOCTYPE") && !strings.HasPrefix(trimmed, "<html") {
		return html
	}

	start := strings.Index(html, `<div class="container">`)
	if start == -1 {
		return html
	}
	end := strings.Index(html, `</body>`)
	if end == -1 {
		return html
	}

	content := html[start:end]
	content = strings.ReplaceAll(content, `class="container"`, `class="echart-box"`)
	return removeStyleTags(content)
}

func removeStyleTags(content string) string {
	for {
		i := strings.Index(content, `<style>`)
		if i == -1 {
			break
		}
		j := strings.Index(content[i:], `</style>`)
		if j == -1 {
			break
		}
		content = content[:i] + content[i+j+styleTagLen:]
	}
	return content
}
