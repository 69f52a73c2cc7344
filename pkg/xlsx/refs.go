package xlsx

import (
	"archive/zip"
	"context"
	"encoding/xml"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
)

// relationships mirrors the OPC relationship part layout.
type relationships struct {
	XMLName xml.Name       `xml:"Relationships"`
	Rels    []relationship `xml:"Relationship"`
}

type relationship struct {
	ID     string `xml:"Id,attr"`
	Type   string `xml:"Type,attr"`
	Target string `xml:"Target,attr"`
}

var externalLinkIndex = regexp.MustCompile(`externalLink(\d+)\.xml$`)

// 🔗 ExternalRefs extracts the workbook's external reference mapping:
// reference number [n] -> normalized path of the linked workbook. Returns an
// empty map for workbooks without external links.
func (r *Reader) ExternalRefs(ctx context.Context, path string) (map[int]string, error) {
	logger := zerolog.Ctx(ctx)

	z, err := zip.OpenReader(path)
	if err != nil {
		return nil, errors.Errorf("opening workbook container: %w", err)
	}
	defer z.Close()

	rels, err := readRelationships(z, "xl/_rels/workbook.xml.rels")
	if err != nil {
		return nil, errors.Errorf("reading workbook relationships: %w", err)
	}

	refs := map[int]string{}
	for _, rel := range rels.Rels {
		if !strings.HasSuffix(rel.Type, "/externalLink") {
			continue
		}
		m := externalLinkIndex.FindStringSubmatch(rel.Target)
		if m == nil {
			continue
		}
		num, _ := strconv.Atoi(m[1])

		target, err := externalLinkTarget(z, rel.Target)
		if err != nil {
			// A broken link part still occupies its reference number.
			logger.Warn().Str("path", path).Str("link", rel.Target).Err(err).Msg("unreadable external link part")
			refs[num] = ""
			continue
		}
		refs[num] = normalizeRefTarget(target)
	}
	return refs, nil
}

// externalLinkTarget resolves the linked workbook path for one
// externalLinkN.xml part via its own relationship part.
func externalLinkTarget(z *zip.ReadCloser, linkTarget string) (string, error) {
	name := strings.TrimPrefix(linkTarget, "externalLinks/")
	relsPath := "xl/externalLinks/_rels/" + name + ".rels"

	rels, err := readRelationships(z, relsPath)
	if err != nil {
		return "", err
	}
	for _, rel := range rels.Rels {
		if strings.HasSuffix(rel.Type, "/externalLinkPath") {
			return rel.Target, nil
		}
	}
	return "", errors.Errorf("no external link path in %s", relsPath)
}

func readRelationships(z *zip.ReadCloser, name string) (*relationships, error) {
	f, err := z.Open(name)
	if err != nil {
		return nil, errors.Errorf("opening %s: %w", name, err)
	}
	defer f.Close()

	var rels relationships
	if err := xml.NewDecoder(f).Decode(&rels); err != nil {
		return nil, errors.Errorf("decoding %s: %w", name, err)
	}
	return &rels, nil
}

// normalizeRefTarget strips the file-URI prefix some writers use.
func normalizeRefTarget(target string) string {
	target = strings.TrimPrefix(target, "file:///")
	return strings.ReplaceAll(target, "%20", " ")
}

var externalRefPattern = regexp.MustCompile(`\[(\d+)\][A-Za-z0-9_]+!`)

// 📝 PrettyFormula renders a formula for humans. External workbook
// references of the form [n]Sheet! are annotated with the source path from
// refs when one is known.
func PrettyFormula(formula string, refs map[int]string) string {
	if formula == "" || len(refs) == 0 {
		return formula
	}
	return externalRefPattern.ReplaceAllStringFunc(formula, func(match string) string {
		m := externalRefPattern.FindStringSubmatch(match)
		num, _ := strconv.Atoi(m[1])
		if path := refs[num]; path != "" {
			return fmt.Sprintf("[ref %d: %s]%s", num, path, match)
		}
		return match
	})
}

// 🔍 HasExternalReference reports whether formula references another
// workbook. The two markers cover bracketed references and quoted
// cross-workbook sheet names.
func HasExternalReference(formula string) bool {
	if formula == "" {
		return false
	}
	return strings.Contains(formula, "['") ||
		strings.Contains(formula, "!'") ||
		externalRefPattern.MatchString(formula)
}
