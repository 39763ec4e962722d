package validation

import (
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"
)

func newApp() *fiber.App {
	app := fiber.New()
	echo := func(c *fiber.Ctx) error {
		p, ok := Label(c)
		if !ok {
			return c.SendStatus(fiber.StatusInternalServerError)
		}
		return c.JSON(fiber.Map{"record_id": p.RecordID, "label": p.Label, "note": p.Note})
	}
	app.Post("/labels", Labels(Config{MaxNoteLength: 20}), echo)
	app.Put("/labels/:record_id", Labels(Config{MaxNoteLength: 20}), echo)
	return app
}

func do(t *testing.T, app *fiber.App, method, path, body string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	return resp.StatusCode, out
}

func TestLabelsAcceptsValidPayloads(t *testing.T) {
	app := newApp()

	code, out := do(t, app, "POST", "/labels", `{"record_id": 7, "label": 1, "note": "  relevant\u0000 "}`)
	require.Equal(t, fiber.StatusOK, code)
	require.EqualValues(t, 7, out["record_id"])
	require.EqualValues(t, 1, out["label"])
	require.Equal(t, "relevant", out["note"])

	code, out = do(t, app, "PUT", "/labels/12", `{"label": 0}`)
	require.Equal(t, fiber.StatusOK, code)
	require.EqualValues(t, 12, out["record_id"])
	require.Nil(t, out["note"])
}

func TestLabelsRejectsInvalidPayloads(t *testing.T) {
	app := newApp()

	cases := map[string]struct {
		method, path, body, msg string
	}{
		"bad json":       {"POST", "/labels", `{`, "Invalid JSON format"},
		"missing record": {"POST", "/labels", `{"label": 1}`, "record_id is required"},
		"missing label":  {"POST", "/labels", `{"record_id": 1}`, "label is required"},
		"label range":    {"POST", "/labels", `{"record_id": 1, "label": 2}`, "label must be 0 or 1"},
		"long note":      {"POST", "/labels", `{"record_id": 1, "label": 1, "note": "aaaaaaaaaaaaaaaaaaaaaaaaa"}`, "note exceeds maximum length"},
		"script note":    {"POST", "/labels", `{"record_id": 1, "label": 1, "note": "<script>x"}`, "Invalid note content"},
		"bad param":      {"PUT", "/labels/abc", `{"label": 1}`, "record_id must be an integer"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			code, out := do(t, app, tc.method, tc.path, tc.body)
			require.Equal(t, fiber.StatusBadRequest, code)
			require.Equal(t, tc.msg, out["error"])
		})
	}
}

func TestLabelsRejectsOtherContentTypes(t *testing.T) {
	req := httptest.NewRequest("POST", "/labels", strings.NewReader("record_id=1"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := newApp().Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusUnsupportedMediaType, resp.StatusCode)
}
