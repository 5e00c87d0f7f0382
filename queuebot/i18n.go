package queuebot

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"slices"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

//go:embed lang/*.json
var bundledLanguages embed.FS

var utf8BOM = []byte("\ufeff")

// Localizer looks up message templates by language code and message key.
// Lookups fall back to the default language, then to the key itself.
// Templates use named placeholders, e.g. "{key}".
type Localizer struct {
	defaultLang string
	bundles     map[string]map[string]string
	codes       []string
	matcher     language.Matcher
}

// NewLocalizer loads the embedded bundles, then any *.json files in
// config.Dir. A file in Dir adds to or overrides the bundle of the same
// language code.
func NewLocalizer(config *LangConfig) (*Localizer, error) {
	l := &Localizer{
		defaultLang: normalizeLangCode(config.Default),
		bundles:     map[string]map[string]string{},
	}
	if err := l.loadFS(bundledLanguages, "lang"); err != nil {
		return nil, err
	}
	if config.Dir != "" {
		if err := l.loadFS(os.DirFS(config.Dir), "."); err != nil {
			return nil, fmt.Errorf("loading %s: %w", config.Dir, err)
		}
	}
	if _, ok := l.bundles[l.defaultLang]; !ok {
		return nil, fmt.Errorf("no bundle for default language %q", config.Default)
	}

	codes := make([]string, 0, len(l.bundles))
	for code := range l.bundles {
		if code != l.defaultLang {
			codes = append(codes, code)
		}
	}
	slices.Sort(codes)
	// the matcher falls back to its first tag
	l.codes = append([]string{l.defaultLang}, codes...)

	tags := make([]language.Tag, 0, len(l.codes))
	for _, code := range l.codes {
		tags = append(tags, language.Make(code))
	}
	l.matcher = language.NewMatcher(tags)
	return l, nil
}

func (l *Localizer) loadFS(fsys fs.FS, dir string) error {
	matches, err := fs.Glob(fsys, path.Join(dir, "*.json"))
	if err != nil {
		return err
	}
	var errs []error
	for _, name := range matches {
		data, readErr := fs.ReadFile(fsys, name)
		if readErr != nil {
			errs = append(errs, readErr)
			continue
		}
		data = bytes.TrimPrefix(data, utf8BOM)

		var strs map[string]string
		if e := json.Unmarshal(data, &strs); e != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, e))
			continue
		}
		code := normalizeLangCode(strings.TrimSuffix(path.Base(name), ".json"))
		bundle, ok := l.bundles[code]
		if !ok {
			bundle = make(map[string]string, len(strs))
			l.bundles[code] = bundle
		}
		for k, v := range strs {
			bundle[k] = v
		}
	}
	return errors.Join(errs...)
}

func normalizeLangCode(code string) string {
	return strings.ToLower(strings.TrimSpace(code))
}

// Default returns the default language code
func (l *Localizer) Default() string {
	return l.defaultLang
}

// Codes returns the loaded language codes, default first
func (l *Localizer) Codes() []string {
	return slices.Clone(l.codes)
}

// Supported reports whether a bundle exists for code exactly
func (l *Localizer) Supported(code string) bool {
	_, ok := l.bundles[normalizeLangCode(code)]
	return ok
}

// Resolve returns the loaded language code that best matches code, or the
// default language when nothing matches. Regional variants match their
// base language ("vi-VN" resolves to "vi").
func (l *Localizer) Resolve(code string) string {
	code = normalizeLangCode(code)
	if code == "" {
		return l.defaultLang
	}
	if _, ok := l.bundles[code]; ok {
		return code
	}
	tag, err := language.Parse(code)
	if err != nil {
		return l.defaultLang
	}
	_, idx, confidence := l.matcher.Match(tag)
	if confidence == language.No {
		return l.defaultLang
	}
	return l.codes[idx]
}

// T renders the template for key in lang. args are alternating
// placeholder names and values:
//
//	l.T("en", "signed_pos", "name", "Ana", "pos", 2, "key", "boss-a")
func (l *Localizer) T(lang string, key string, args ...any) string {
	tmpl, ok := l.bundles[lang][key]
	if !ok {
		tmpl, ok = l.bundles[l.defaultLang][key]
	}
	if !ok {
		return key
	}
	return formatTemplate(tmpl, args...)
}

// LanguageName returns the display name of code, preferring the
// lang_name_<code> message and falling back to the language's own name
// for itself
func (l *Localizer) LanguageName(lang string, code string) string {
	msgKey := "lang_name_" + code
	if name := l.T(lang, msgKey); name != msgKey {
		return name
	}
	tag, err := language.Parse(code)
	if err != nil {
		return code
	}
	if name := display.Self.Name(tag); name != "" {
		return name
	}
	return code
}

func formatTemplate(tmpl string, args ...any) string {
	if len(args) < 2 {
		return tmpl
	}
	pairs := make([]string, 0, len(args))
	for i := 0; i+1 < len(args); i += 2 {
		pairs = append(pairs, fmt.Sprintf("{%v}", args[i]), fmt.Sprint(args[i+1]))
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}
