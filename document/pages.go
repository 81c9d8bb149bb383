package document

import (
	"fmt"
	"regexp"
	"strconv"

	"fileconv/convert"

	"github.com/ledongthuc/pdf"
)

var pagesPattern = regexp.MustCompile(`(?m)^Pages:\s+(\d+)`)

// countPages asks the PDF parser first and pdfinfo second; unknown means 1.
func (c *Converter) countPages(req convert.Request) int {
	n, err := pdfPageCount(req.InputPath)
	if err == nil && n > 0 {
		return n
	}
	c.logger.Debug("pdf parser could not count pages", "job_id", req.JobID, "error", err)

	bin := c.tools.Path("pdfinfo")
	if bin == "" {
		return 1
	}
	out, err := req.Handle.CombinedOutput(req.Handle.Command(bin, req.InputPath))
	if err != nil {
		c.logger.Debug("pdfinfo failed", "job_id", req.JobID, "error", err)
		return 1
	}
	return parsePdfinfoPages(string(out))
}

func parsePdfinfoPages(out string) int {
	m := pagesPattern.FindStringSubmatch(out)
	if m == nil {
		return 1
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n < 1 {
		return 1
	}
	return n
}

// pdfPageCount reads the page tree with the pure-Go parser, which panics on
// some malformed files.
func pdfPageCount(path string) (n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pdf parser panic: %v", r)
		}
	}()
	f, r, err := pdf.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return r.NumPage(), nil
}
