package filter

import (
	"errors"
	"testing"

	"github.com/dhcgn/mail-dl/model"
)

// shopFloorRules mirrors config.example.yaml.
var shopFloorRules = []RuleSpec{
	{Name: "eto", Subject: `(?i)ETO.*?([0-9]{12}|[0-9A-Z]{7})`},
	{Name: "report-with-photo", Subject: `(?i)(zpw|near\s*miss|kaizen|uspraw).*?[0-9]+`, AttachmentContentTypePrefix: "image/"},
}

func png() model.RawAttachment {
	return model.RawAttachment{ID: "a1", Kind: model.AttachmentKindFile, Name: "photo.png", ContentType: "image/png"}
}

func pdf() model.RawAttachment {
	return model.RawAttachment{ID: "a2", Kind: model.AttachmentKindFile, Name: "report.pdf", ContentType: "application/pdf"}
}

func TestMatcher_Matches(t *testing.T) {
	m, err := New(shopFloorRules)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	tests := []struct {
		name string
		msg  model.RawMessage
		want bool
		rule string
	}{
		{name: "eto order number", msg: model.RawMessage{Subject: "Re: ETO 123456789012"}, want: true, rule: "eto"},
		{name: "eto short code case insensitive", msg: model.RawMessage{Subject: "eto for ab12cd3"}, want: true, rule: "eto"},
		{name: "zpw with image", msg: model.RawMessage{Subject: "ZPW 1234", Attachments: []model.RawAttachment{png(), pdf()}}, want: true, rule: "report-with-photo"},
		{name: "near miss with image", msg: model.RawMessage{Subject: "Near  Miss 7", Attachments: []model.RawAttachment{png()}}, want: true, rule: "report-with-photo"},
		{name: "zpw without image", msg: model.RawMessage{Subject: "ZPW 1234", Attachments: []model.RawAttachment{pdf()}}, want: false},
		{name: "zpw without attachments", msg: model.RawMessage{Subject: "ZPW 1234"}, want: false},
		{name: "unrelated subject", msg: model.RawMessage{Subject: "Lunch?", Attachments: []model.RawAttachment{png()}}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule, ok := m.Match(tt.msg)
			if ok != tt.want {
				t.Fatalf("Match() = %v, want %v", ok, tt.want)
			}
			if rule != tt.rule {
				t.Errorf("Match() rule = %q, want %q", rule, tt.rule)
			}
			if m.Matches(tt.msg) != tt.want {
				t.Errorf("Matches() disagrees with Match()")
			}
		})
	}
}

func TestMatcher_Deterministic(t *testing.T) {
	m, err := New(shopFloorRules)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	msg := model.RawMessage{Subject: "kaizen 99", Attachments: []model.RawAttachment{png()}}
	first := m.Matches(msg)
	for i := 0; i < 100; i++ {
		if m.Matches(msg) != first {
			t.Fatalf("iteration %d returned a different result", i)
		}
	}
}

func TestMatcher_ContentTypePrefixIsCaseInsensitive(t *testing.T) {
	m, err := New([]RuleSpec{{AttachmentContentTypePrefix: "Image/"}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	msg := model.RawMessage{Attachments: []model.RawAttachment{{ContentType: "IMAGE/JPEG"}}}
	if !m.Matches(msg) {
		t.Error("Expected upper-case content type to match")
	}
}

func TestMatcher_FromCondition(t *testing.T) {
	m, err := New([]RuleSpec{{Name: "plant", From: `@plant\.example\.com>?$`, Subject: "(?i)report"}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ok := model.RawMessage{Subject: "Report 3", From: model.Address{Name: "Plant", Address: "ops@plant.example.com"}}
	if !m.Matches(ok) {
		t.Error("Expected sender and subject to match")
	}
	other := model.RawMessage{Subject: "Report 3", From: model.Address{Address: "ops@elsewhere.example.com"}}
	if m.Matches(other) {
		t.Error("Expected foreign sender to be rejected")
	}
}

func TestNew_Errors(t *testing.T) {
	if _, err := New(nil); !errors.Is(err, ErrNoRules) {
		t.Errorf("New(nil) error = %v, want ErrNoRules", err)
	}
	if _, err := New([]RuleSpec{{Name: "empty"}}); !errors.Is(err, ErrRuleCondition) {
		t.Errorf("New(empty rule) error = %v, want ErrRuleCondition", err)
	}
	if _, err := New([]RuleSpec{{Subject: "("}}); err == nil {
		t.Error("Expected error for invalid regex")
	}
}

func TestMatcher_RuleNames(t *testing.T) {
	m, err := New([]RuleSpec{{Subject: "a"}, {Name: " named ", Subject: "b"}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	got := m.Rules()
	if len(got) != 2 || got[0] != "rule-1" || got[1] != "named" {
		t.Fatalf("Rules() = %v", got)
	}
}

func TestReloadable_Swap(t *testing.T) {
	first, err := New([]RuleSpec{{Subject: "alpha"}})
	if err != nil {
		t.Fatal(err)
	}
	second, err := New([]RuleSpec{{Subject: "beta"}})
	if err != nil {
		t.Fatal(err)
	}

	r := NewReloadable(first)
	msg := model.RawMessage{Subject: "beta"}
	if r.Matches(msg) {
		t.Fatal("Expected first rule set not to match")
	}
	if prev := r.Swap(second); prev != first {
		t.Fatal("Swap() should return the previous matcher")
	}
	if !r.Matches(msg) {
		t.Fatal("Expected swapped rule set to match")
	}
}
