package judge_test

import (
	"testing"

	"codegrader/internal/attempt/judge"
)

func TestDecodeCallback(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantToken  string
		wantStatus int
		wantTimeMs float64
		wantMemKB  int64
		wantErr    bool
		malformed  bool
	}{
		{
			name:       "numeric time",
			body:       `{"token":"abc","status":{"id":3,"description":"Accepted"},"time":0.25,"memory":3200,"stdout":"ok\n"}`,
			wantToken:  "abc",
			wantStatus: 3,
			wantTimeMs: 250,
			wantMemKB:  3200,
		},
		{
			name:       "string time",
			body:       `{"token":"abc","status":{"id":4,"description":"Wrong Answer"},"time":"0.002","memory":128}`,
			wantToken:  "abc",
			wantStatus: 4,
			wantTimeMs: 2,
			wantMemKB:  128,
		},
		{
			name:       "null fields",
			body:       `{"token":"abc","status":null,"time":null,"memory":null,"stderr":null,"compile_output":null,"message":null}`,
			wantToken:  "abc",
			wantStatus: 0,
		},
		{
			name:       "unknown fields ignored",
			body:       `{"token":" abc ","status":{"id":6},"time":"","exit_code":1,"wall_time":"0.1"}`,
			wantToken:  "abc",
			wantStatus: 6,
		},
		{name: "missing token", body: `{"status":{"id":3}}`, wantErr: true},
		{name: "not json", body: `token=abc`, wantErr: true},
		{name: "non-string token", body: `{"token":42,"status":{"id":3}}`, wantErr: true},
		{
			name:      "bad numeric string",
			body:      `{"token":"abc","status":{"id":4},"time":"fast","memory":64}`,
			wantToken: "abc",
			malformed: true,
		},
		{
			name:      "string status id",
			body:      `{"token":"abc","status":{"id":"3"},"time":"0.1"}`,
			wantToken: "abc",
			malformed: true,
		},
		{
			name:      "bad memory",
			body:      `{"token":"abc","status":{"id":3},"memory":{"kb":1}}`,
			wantToken: "abc",
			malformed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, err := judge.DecodeCallback([]byte(tt.body))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if (payload.Malformed != nil) != tt.malformed {
				t.Fatalf("malformed = %v, want %v", payload.Malformed, tt.malformed)
			}
			if payload.Token != tt.wantToken {
				t.Fatalf("token = %q, want %q", payload.Token, tt.wantToken)
			}
			if payload.StatusID() != tt.wantStatus {
				t.Fatalf("status = %d, want %d", payload.StatusID(), tt.wantStatus)
			}
			if payload.TimeMs() != tt.wantTimeMs {
				t.Fatalf("time = %v, want %v", payload.TimeMs(), tt.wantTimeMs)
			}
			if payload.MemoryKB() != tt.wantMemKB {
				t.Fatalf("memory = %d, want %d", payload.MemoryKB(), tt.wantMemKB)
			}
		})
	}
}
