// Copyright 2025 walteh LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package display renders comparison results for a human at the console.
package display

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/pterm/pterm"
	"github.com/rs/zerolog"

	"github.com/walteh/cellwatch/pkg/compare"
	"github.com/walteh/cellwatch/pkg/diff"
	"github.com/walteh/cellwatch/pkg/snapshot"
	"github.com/walteh/cellwatch/pkg/xlsx"
)

// 🎨 Display configuration
const (
	cellIndent = 4  // spaces to indent change entries
	addrWidth  = 18 // width for Sheet!Addr
	kindWidth  = 20 // width for the change kind label
	valueWidth = 40 // soft cap per old/new value before truncation
)

// 🖥️ Reporter writes change reports to the console. MaxChanges caps how
// many cell lines one report prints; zero means no cap.
type Reporter struct {
	MaxChanges int

	out io.Writer
}

func NewReporter(maxChanges int) *Reporter {
	return &Reporter{MaxChanges: maxChanges, out: os.Stdout}
}

// WithWriter redirects console output, for tests.
func (r *Reporter) WithWriter(w io.Writer) *Reporter {
	r.out = w
	return r
}

// 📣 Show prints one comparison result. Results without changes print
// nothing; the console is for changes, the structured log has the rest.
func (r *Reporter) Show(res *compare.Result) {
	if res == nil || !res.Changed {
		return
	}

	header := fmt.Sprintf("%s (%d change(s))", res.Path, len(res.Changes))
	if res.Author != "" {
		header += " by " + res.Author
		if res.PreviousAuthor != "" && res.PreviousAuthor != res.Author {
			header += " (previously " + res.PreviousAuthor + ")"
		}
	}
	pterm.Info.WithPrefix(pterm.Prefix{Text: "📊"}).WithWriter(r.out).Println(header)

	shown := res.Changes
	truncated := 0
	if r.MaxChanges > 0 && len(shown) > r.MaxChanges {
		truncated = len(shown) - r.MaxChanges
		shown = shown[:r.MaxChanges]
	}

	for _, ch := range shown {
		fmt.Fprintln(r.out, FormatChange(ch, res.Refs))
	}
	if truncated > 0 {
		fmt.Fprintf(r.out, "%s... and %d more\n", strings.Repeat(" ", cellIndent), truncated)
	}
}

// ⚠️ Warning surfaces an operational problem with a watched file. The
// console line is for the person watching; the structured log entry keeps
// the detail.
func (r *Reporter) Warning(ctx context.Context, path, reason string) {
	zerolog.Ctx(ctx).Warn().Str("path", path).Msg(reason)
	pterm.Warning.WithWriter(r.out).Printfln("%s: %s", path, reason)
}

// 🎯 FormatChange renders one classified cell difference as a single line.
func FormatChange(ch diff.Change, refs map[int]string) string {
	var prefix string
	switch ch.Kind {
	case diff.KindAdded:
		prefix = color.GreenString("+")
	case diff.KindDeleted:
		prefix = color.RedString("-")
	case diff.KindFormula:
		prefix = color.YellowString("ƒ")
	case diff.KindDirectValue:
		prefix = color.CyanString("✎")
	case diff.KindExternalRef:
		prefix = color.MagentaString("⇢")
	default:
		prefix = color.HiBlackString("~")
	}

	addrPart := fmt.Sprintf("%-*s", addrWidth, ch.Sheet+"!"+ch.Addr)
	kindPart := fmt.Sprintf("%-*s", kindWidth, kindLabel(ch.Kind))

	return fmt.Sprintf("%s%s %s %s %s",
		strings.Repeat(" ", cellIndent),
		prefix,
		addrPart,
		kindPart,
		transition(ch, refs),
	)
}

func kindLabel(k diff.Kind) string {
	switch k {
	case diff.KindAdded:
		return "added"
	case diff.KindDeleted:
		return "deleted"
	case diff.KindFormula:
		return "formula changed"
	case diff.KindDirectValue:
		return "value typed"
	case diff.KindExternalRef:
		return "external ref moved"
	default:
		return "recalculated"
	}
}

// transition renders the old and new content of a change. Formula changes
// show the formulas, value changes show the values, added and deleted show
// what appeared or vanished.
func transition(ch diff.Change, refs map[int]string) string {
	switch ch.Kind {
	case diff.KindAdded:
		return cellText(ch.New, refs)
	case diff.KindDeleted:
		return cellText(ch.Old, refs)
	case diff.KindFormula:
		return fmt.Sprintf("%s -> %s",
			truncate(xlsx.PrettyFormula(ch.Old.Formula, refs)),
			truncate(xlsx.PrettyFormula(ch.New.Formula, refs)))
	default:
		return fmt.Sprintf("%s -> %s", truncate(ch.Old.Value), truncate(ch.New.Value))
	}
}

func cellText(c snapshot.Cell, refs map[int]string) string {
	if c.HasFormula() {
		text := truncate(xlsx.PrettyFormula(c.Formula, refs))
		if c.Value != "" {
			text += " = " + truncate(c.Value)
		}
		return text
	}
	return truncate(c.Value)
}

func truncate(s string) string {
	if len(s) <= valueWidth {
		return s
	}
	return s[:valueWidth-3] + "..."
}
