package observability

import (
	"encoding/json"
	"testing"
)

func webhookPayloadFixture() map[string]any {
	return map[string]any{
		"headers": map[string]any{
			"X-Telegram-Bot-Api-Secret-Token": "s3cret",
			"Content-Type":                    "application/json",
		},
		"multiValueHeaders": map[string]any{
			"X-Telegram-Bot-Api-Secret-Token": []any{"s3cret", "s3cret-2"},
		},
		"requestContext": map[string]any{
			"accountId": "123456789012",
			"stage":     "prod",
		},
		"body": `{"update_id":1}`,
	}
}

func TestRedactJSONPaths(t *testing.T) {
	payload := webhookPayloadFixture()

	redacted := RedactJSONPaths(payload,
		"headers.X-Telegram-Bot-Api-Secret-Token",
		"multiValueHeaders.X-Telegram-Bot-Api-Secret-Token",
		"requestContext.accountId",
	)

	headers := redacted["headers"].(map[string]any)
	if headers["X-Telegram-Bot-Api-Secret-Token"] != "[REDACTED]" {
		t.Errorf("secret header = %v, want [REDACTED]", headers["X-Telegram-Bot-Api-Secret-Token"])
	}
	if headers["Content-Type"] != "application/json" {
		t.Errorf("benign header = %v, should be untouched", headers["Content-Type"])
	}

	mvh := redacted["multiValueHeaders"].(map[string]any)
	list := mvh["X-Telegram-Bot-Api-Secret-Token"].([]any)
	if len(list) != 2 {
		t.Fatalf("list length = %d, want 2", len(list))
	}
	for i, v := range list {
		if v != "[REDACTED]" {
			t.Errorf("list[%d] = %v, want [REDACTED]", i, v)
		}
	}

	rc := redacted["requestContext"].(map[string]any)
	if rc["accountId"] != "[REDACTED]" {
		t.Errorf("accountId = %v, want [REDACTED]", rc["accountId"])
	}
	if rc["stage"] != "prod" {
		t.Errorf("stage = %v, should be untouched", rc["stage"])
	}
}

func TestRedactJSONPaths_OriginalUntouched(t *testing.T) {
	payload := webhookPayloadFixture()

	before, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	RedactJSONPaths(payload,
		"headers.X-Telegram-Bot-Api-Secret-Token",
		"multiValueHeaders.X-Telegram-Bot-Api-Secret-Token",
		"requestContext.accountId",
	)

	after, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	if string(before) != string(after) {
		t.Errorf("input payload mutated:\nbefore: %s\nafter:  %s", before, after)
	}
}

func TestRedactJSONPaths_MissingPathsSkipped(t *testing.T) {
	payload := map[string]any{"body": "x"}

	redacted := RedactJSONPaths(payload,
		"headers.X-Telegram-Bot-Api-Secret-Token",
		"requestContext.accountId",
		"body.nested.too.deep",
	)

	if redacted["body"] != "x" {
		t.Errorf("body = %v, want %q", redacted["body"], "x")
	}
	if _, ok := redacted["headers"]; ok {
		t.Error("missing path should not be created")
	}
}

func TestRedactJSONPaths_NonMapIntermediate(t *testing.T) {
	payload := map[string]any{"headers": "not-a-map"}

	redacted := RedactJSONPaths(payload, "headers.X-Telegram-Bot-Api-Secret-Token")

	if redacted["headers"] != "not-a-map" {
		t.Errorf("headers = %v, non-map intermediates should be skipped", redacted["headers"])
	}
}
