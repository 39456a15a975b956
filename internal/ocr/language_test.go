package ocr

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLanguage_Canonicalizes(t *testing.T) {
	assert.Equal(t, Japanese, ParseLanguage(""))
	assert.Equal(t, Japanese, ParseLanguage("ja"))
	assert.Equal(t, Japanese, ParseLanguage("ja-JP"))
	assert.Equal(t, Japanese, ParseLanguage("jpn"))
	assert.Equal(t, Chinese, ParseLanguage("zh-Hans"))
	assert.Equal(t, Korean, ParseLanguage("ko-KR"))
	assert.Equal(t, English, ParseLanguage("en-US"))
}

func TestParseLanguage_UnknownTagKeptVerbatim(t *testing.T) {
	assert.Equal(t, Language("!!"), ParseLanguage("!!"))
	assert.Equal(t, Language("not a tag"), ParseLanguage("Not A Tag"))
}

func TestPostProcessText_StripsWhitespaceForCJK(t *testing.T) {
	assert.Equal(t, "こんにちは世界", Japanese.PostProcessText("こん にち は\n世界"))
	assert.Equal(t, "你好世界", Chinese.PostProcessText("你好　世界"))
}

func TestPostProcessText_NeutralLanguagesKeepSpacing(t *testing.T) {
	assert.Equal(t, "hello world", English.PostProcessText("hello world"))
	assert.Equal(t, "안녕 하세요", Korean.PostProcessText("안녕 하세요"))
}

func TestLanguage_PrefersVertical(t *testing.T) {
	assert.True(t, Japanese.PrefersVertical())
	assert.True(t, Chinese.PrefersVertical())
	assert.False(t, Korean.PrefersVertical())
	assert.False(t, English.PrefersVertical())
	assert.False(t, Language("xx").PrefersVertical())
}
