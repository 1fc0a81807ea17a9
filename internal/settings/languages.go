package settings

import (
	"os"
	"strings"

	"golang.org/x/text/language"
)

// FallbackLanguage is used when the host locale is not supported.
const FallbackLanguage = "en"

// SupportedLanguages lists the languages with a built-in prompt template.
var SupportedLanguages = []string{"en", "tr", "de", "es", "fr"}

var defaultTemplates = map[string]string{
	"en": `Summarize this YouTube video in English.
Title: {title}
Channel: {channel}
URL: {url}

Format:
- 8-12 bullet point summary
- 3 key takeaways
- If it is a tutorial: step-by-step actions`,
	"tr": `Bu YouTube videosunu Türkçe özetle.
Başlık: {title}
Kanal: {channel}
URL: {url}

Format:
- 8-12 madde özet
- 3 ana çıkarım
- Eğer öğreticiyse: adım adım yapılacaklar`,
	"de": `Fasse dieses YouTube-Video auf Deutsch zusammen.
Titel: {title}
Kanal: {channel}
URL: {url}

Format:
- 8-12 Stichpunkte
- 3 wichtigste Erkenntnisse
- Falls es ein Tutorial ist: Schritt-für-Schritt-Anleitung`,
	"es": `Resume este video de YouTube en español.
Título: {title}
Canal: {channel}
URL: {url}

Formato:
- Resumen en 8-12 puntos
- 3 conclusiones principales
- Si es un tutorial: pasos a seguir`,
	"fr": `Résume cette vidéo YouTube en français.
Titre : {title}
Chaîne : {channel}
URL : {url}

Format :
- Résumé en 8 à 12 points
- 3 enseignements clés
- Si c'est un tutoriel : étapes à suivre`,
}

var languageMatcher = func() language.Matcher {
	tags := make([]language.Tag, 0, len(SupportedLanguages))
	for _, l := range SupportedLanguages {
		tags = append(tags, language.MustParse(l))
	}
	return language.NewMatcher(tags)
}()

// IsSupportedLanguage reports whether lang has a built-in template.
func IsSupportedLanguage(lang string) bool {
	_, ok := defaultTemplates[lang]
	return ok
}

// SanitizeLanguage maps unsupported values to FallbackLanguage.
func SanitizeLanguage(lang string) string {
	if IsSupportedLanguage(lang) {
		return lang
	}
	return FallbackLanguage
}

// DefaultPromptTemplate returns the built-in template for lang.
func DefaultPromptTemplate(lang string) string {
	return defaultTemplates[SanitizeLanguage(lang)]
}

// MatchLocale maps a POSIX or BCP 47 locale string ("tr_TR.UTF-8", "de-AT")
// onto a supported language.
func MatchLocale(locale string) string {
	locale = strings.TrimSpace(locale)
	if i := strings.IndexAny(locale, ".@"); i >= 0 {
		locale = locale[:i]
	}
	locale = strings.ReplaceAll(locale, "_", "-")
	if locale == "" || locale == "C" || locale == "POSIX" {
		return FallbackLanguage
	}
	tag, err := language.Parse(locale)
	if err != nil {
		return FallbackLanguage
	}
	_, idx, conf := languageMatcher.Match(tag)
	if conf == language.No {
		return FallbackLanguage
	}
	return SupportedLanguages[idx]
}

// HostLanguage derives the default language from the process locale.
func HostLanguage() string {
	for _, env := range []string{"LC_ALL", "LC_MESSAGES", "LANG"} {
		if v := os.Getenv(env); v != "" {
			return MatchLocale(v)
		}
	}
	return FallbackLanguage
}
