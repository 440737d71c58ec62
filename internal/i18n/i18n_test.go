package i18n

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func initLang(t *testing.T, lang string) context.Context {
	t.Helper()
	if err := Init("en"); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return WithLocalizer(context.Background(), NewLocalizer(lang))
}

func TestTranslate(t *testing.T) {
	tests := []struct {
		lang string
		id   string
		want string
	}{
		{"en", "Instructions", "Instructions"},
		{"ru", "Instructions", "Инструкции"},
		{"en", "AnswerKey", "Answer key"},
		{"ru", "AnswerKey", "Ответы"},
		{"de", "AnswerKey", "Answer key"},
	}
	for _, tt := range tests {
		t.Run(tt.lang+"/"+tt.id, func(t *testing.T) {
			ctx := initLang(t, tt.lang)
			if got := T(ctx, tt.id); got != tt.want {
				t.Errorf("T(%s) = %q, want %q", tt.id, got, tt.want)
			}
		})
	}
}

func TestPluralTranslation(t *testing.T) {
	tests := []struct {
		lang  string
		count int
		want  string
	}{
		{"en", 1, "1 mark"},
		{"en", 5, "5 marks"},
		{"ru", 1, "1 балл"},
		{"ru", 3, "3 балла"},
		{"ru", 5, "5 баллов"},
		{"ru", 21, "21 балл"},
	}
	for _, tt := range tests {
		ctx := initLang(t, tt.lang)
		if got := Tp(ctx, "Marks", tt.count); got != tt.want {
			t.Errorf("Tp(%s, Marks, %d) = %q, want %q", tt.lang, tt.count, got, tt.want)
		}
	}
}

func TestTemplateDataTranslation(t *testing.T) {
	ctx := initLang(t, "en")

	got := Td(ctx, "Duration", map[string]any{"Minutes": 90})
	if got != "Duration: 90 minutes" {
		t.Errorf("Td(Duration) = %q, want 'Duration: 90 minutes'", got)
	}
}

func TestMissingKey(t *testing.T) {
	ctx := initLang(t, "en")

	got := T(ctx, "NonExistentKey")
	if got != "NonExistentKey" {
		t.Errorf("T(NonExistentKey) = %q, want 'NonExistentKey'", got)
	}
}

func TestSupported(t *testing.T) {
	if err := Init("en"); err != nil {
		t.Fatal(err)
	}
	for lang, want := range map[string]bool{"en": true, "ru": true, "ru-RU": true, "fr": false} {
		if got := Supported(lang); got != want {
			t.Errorf("Supported(%q) = %v, want %v", lang, got, want)
		}
	}
}

func TestMiddleware(t *testing.T) {
	if err := Init("en"); err != nil {
		t.Fatal(err)
	}
	var got string
	h := Middleware("en")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = T(r.Context(), "Instructions")
	}))

	req := httptest.NewRequest(http.MethodGet, "/?lang=ru", nil)
	req.Header.Set("Accept-Language", "en-US")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if got != "Инструкции" {
		t.Errorf("lang=ru: got %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept-Language", "ru-RU,ru;q=0.9")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if got != "Инструкции" {
		t.Errorf("Accept-Language ru: got %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	h.ServeHTTP(httptest.NewRecorder(), req)
	if got != "Instructions" {
		t.Errorf("fallback: got %q", got)
	}
}
