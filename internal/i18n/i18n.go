// Package i18n renders job progress text in the supported locales.
package i18n

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"
)

// Stage is a progress message key.
type Stage string

const (
	StageAccepted   Stage = "progress.accepted"
	StageUploaded   Stage = "progress.uploaded"
	StageProcessing Stage = "progress.processing"
	StageSaving     Stage = "progress.saving"
	StageCompleted  Stage = "progress.completed"
	StageFailed     Stage = "progress.failed"
	StageCanceled   Stage = "progress.canceled"
)

const DefaultLocale = "en"

var (
	supported = []language.Tag{language.English, language.Korean}
	matcher   = language.NewMatcher(supported)
	cat       = build()
)

func build() *catalog.Builder {
	b := catalog.NewBuilder(catalog.Fallback(language.English))
	set := func(tag language.Tag, entries map[Stage]string) {
		for k, v := range entries {
			if err := b.SetString(tag, string(k), v); err != nil {
				panic(err)
			}
		}
	}
	set(language.English, map[Stage]string{
		StageAccepted:   "Request accepted",
		StageUploaded:   "Images uploaded, waiting for AI processing...",
		StageProcessing: "The AI model is processing your images...",
		StageSaving:     "Saving result image...",
		StageCompleted:  "Edit completed",
		StageFailed:     "Processing failed",
		StageCanceled:   "Processing canceled",
	})
	set(language.Korean, map[Stage]string{
		StageAccepted:   "편집 요청이 접수되었습니다",
		StageUploaded:   "이미지 업로드 완료, AI 처리 대기 중...",
		StageProcessing: "AI 모델이 이미지를 처리 중입니다...",
		StageSaving:     "결과 이미지 저장 중...",
		StageCompleted:  "편집 완료",
		StageFailed:     "처리 실패",
		StageCanceled:   "처리 취소됨",
	})
	return b
}

// Match picks the best supported locale for the given preferences, which may
// be Accept-Language headers or plain tags. It returns DefaultLocale when
// nothing matches.
func Match(prefs ...string) string {
	locale, _ := Lookup(prefs...)
	return locale
}

// Lookup is Match that also reports whether any preference was supported.
func Lookup(prefs ...string) (string, bool) {
	var tags []language.Tag
	for _, p := range prefs {
		if p == "" {
			continue
		}
		parsed, _, err := language.ParseAcceptLanguage(p)
		if err != nil {
			continue
		}
		tags = append(tags, parsed...)
	}
	if len(tags) == 0 {
		return DefaultLocale, false
	}
	tag, _, conf := matcher.Match(tags...)
	if conf == language.No {
		return DefaultLocale, false
	}
	base, _ := tag.Base()
	return base.String(), true
}

// Supported reports whether locale is one of the catalog languages.
func Supported(locale string) bool {
	tag, err := language.Parse(locale)
	if err != nil {
		return false
	}
	_, _, conf := matcher.Match(tag)
	return conf == language.Exact
}

// Progress renders stage in locale, falling back to English.
func Progress(locale string, stage Stage) string {
	tag, err := language.Parse(locale)
	if err != nil {
		tag = language.English
	}
	p := message.NewPrinter(tag, message.Catalog(cat))
	return p.Sprintf(string(stage))
}
