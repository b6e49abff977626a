package jobs

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/MimeLyc/course-importer/pkg/file"
)

var titleCaser = cases.Title(language.Und, cases.NoLower)

// TitleFromFilename turns "week_1-intro.mp4" into "Week 1 Intro".
func TitleFromFilename(name string) string {
	stem := strings.NewReplacer("_", " ", "-", " ").Replace(file.Stem(name))
	stem = strings.Join(strings.Fields(stem), " ")
	if stem == "" {
		return "Untitled"
	}
	return titleCaser.String(stem)
}
