package acl

import (
	"errors"
	"testing"

	"github.com/Sentinel-Gate/Syncgate/internal/domain/auth"
)

func mustRuleSet(t *testing.T, cfg RuleConfig) *RuleSet {
	t.Helper()
	set, err := NewRuleSet(cfg, "1-abc", nil)
	if err != nil {
		t.Fatalf("NewRuleSet() error = %v", err)
	}
	return set
}

func mustCompile(t *testing.T, set *RuleSet, identity *auth.Identity) *Policy {
	t.Helper()
	p, err := Compile(set, identity)
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	return p
}

func doc(id string, fields ...any) map[string]any {
	d := map[string]any{"_id": id}
	for i := 0; i+1 < len(fields); i += 2 {
		d[fields[i].(string)] = fields[i+1]
	}
	return d
}

func TestCompile_NoteChildScenario(t *testing.T) {
	set := mustRuleSet(t, RuleConfig{
		"user_app": {
			{Action: ActionRead, Subject: "Note"},
			{Action: ActionRead, Subject: "Child", Inverted: true},
		},
	})
	p := mustCompile(t, set, &auth.Identity{Name: "alice", Roles: []string{"user_app"}})

	if !p.Can(ActionRead, doc("Note:1")) {
		t.Error("Can(read, Note:1) = false, want true")
	}
	if p.Can(ActionRead, doc("Child:1")) {
		t.Error("Can(read, Child:1) = true, want false")
	}
}

func TestCompile_FailOpenAndFailClosed(t *testing.T) {
	anyDoc := doc("Whatever:1")
	actions := []Action{ActionRead, ActionCreate, ActionUpdate, ActionDelete}

	authed := mustCompile(t, nil, &auth.Identity{Name: "alice"})
	anon := mustCompile(t, nil, nil)

	for _, a := range actions {
		if !authed.Can(a, anyDoc) {
			t.Errorf("no rules + identity: Can(%s) = false, want true", a)
		}
		if anon.Can(a, anyDoc) {
			t.Errorf("no rules + anonymous: Can(%s) = true, want false", a)
		}
	}
	if !authed.PermittedFields(ActionUpdate, anyDoc).All() {
		t.Error("no rules + identity: PermittedFields should be all fields")
	}
}

func TestCompile_RoleSelection(t *testing.T) {
	set := mustRuleSet(t, RuleConfig{
		RoleDefault: {{Action: ActionRead, Subject: "Profile"}},
		RolePublic:  {{Action: ActionRead, Subject: "Announcement"}},
		"editor":    {{Action: ActionUpdate, Subject: "Note"}},
		"viewer":    {{Action: ActionRead, Subject: "Note"}},
	})

	tests := []struct {
		name     string
		identity *auth.Identity
		action   Action
		id       string
		want     bool
	}{
		{"anonymous gets public", nil, ActionRead, "Announcement:1", true},
		{"anonymous does not get default", nil, ActionRead, "Profile:1", false},
		{"authenticated gets default", &auth.Identity{Name: "a"}, ActionRead, "Profile:1", true},
		{"authenticated does not get public", &auth.Identity{Name: "a"}, ActionRead, "Announcement:1", false},
		{"role rules apply", &auth.Identity{Name: "a", Roles: []string{"editor"}}, ActionUpdate, "Note:1", true},
		{"other role rules do not apply", &auth.Identity{Name: "a", Roles: []string{"editor"}}, ActionRead, "Note:1", false},
		{"unknown roles are ignored", &auth.Identity{Name: "a", Roles: []string{"ghost", "viewer"}}, ActionRead, "Note:1", true},
		{"public role name on identity is ignored", &auth.Identity{Name: "a", Roles: []string{RolePublic}}, ActionRead, "Announcement:1", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := mustCompile(t, set, tt.identity)
			if got := p.Can(tt.action, doc(tt.id)); got != tt.want {
				t.Errorf("Can(%s, %s) = %v, want %v", tt.action, tt.id, got, tt.want)
			}
		})
	}
}

func TestCompile_RoleOrderControlsLastMatch(t *testing.T) {
	set := mustRuleSet(t, RuleConfig{
		"grant":  {{Action: ActionRead, Subject: "Note"}},
		"revoke": {{Action: ActionRead, Subject: "Note", Inverted: true}},
	})

	grantThenRevoke := mustCompile(t, set, &auth.Identity{Name: "a", Roles: []string{"grant", "revoke"}})
	if grantThenRevoke.Can(ActionRead, doc("Note:1")) {
		t.Error("grant then revoke: Can = true, want false")
	}

	revokeThenGrant := mustCompile(t, set, &auth.Identity{Name: "a", Roles: []string{"revoke", "grant"}})
	if !revokeThenGrant.Can(ActionRead, doc("Note:1")) {
		t.Error("revoke then grant: Can = false, want true")
	}
}

func TestPolicy_LastMatchWins(t *testing.T) {
	tests := []struct {
		name  string
		rules []Rule
		doc   map[string]any
		want  bool
	}{
		{
			name: "later inverted rule revokes",
			rules: []Rule{
				{Action: ActionRead, Subject: "Note"},
				{Action: ActionRead, Subject: "Note", Inverted: true},
			},
			doc:  doc("Note:1"),
			want: false,
		},
		{
			name: "later grant restores",
			rules: []Rule{
				{Action: ActionRead, Subject: "all", Inverted: true},
				{Action: ActionRead, Subject: "Note"},
			},
			doc:  doc("Note:1"),
			want: true,
		},
		{
			name: "non-matching inverted rule is ignored",
			rules: []Rule{
				{Action: ActionRead, Subject: "Note"},
				{Action: ActionRead, Subject: "Note", Inverted: true, Conditions: map[string]any{"private": true}},
			},
			doc:  doc("Note:1", "private", false),
			want: true,
		},
		{
			name: "matching conditional inverted rule revokes",
			rules: []Rule{
				{Action: ActionRead, Subject: "Note"},
				{Action: ActionRead, Subject: "Note", Inverted: true, Conditions: map[string]any{"private": true}},
			},
			doc:  doc("Note:1", "private", true),
			want: false,
		},
		{
			name:  "manage covers read",
			rules: []Rule{{Action: ActionManage, Subject: "Note"}},
			doc:   doc("Note:1"),
			want:  true,
		},
		{
			name:  "subject is case-insensitive",
			rules: []Rule{{Action: ActionRead, Subject: "note"}},
			doc:   doc("NOTE:1"),
			want:  true,
		},
		{
			name:  "no match denies",
			rules: []Rule{{Action: ActionUpdate, Subject: "Note"}},
			doc:   doc("Note:1"),
			want:  false,
		},
		{
			name:  "ids without entity type only match all",
			rules: []Rule{{Action: ActionRead, Subject: "Note"}},
			doc:   doc("plain-id"),
			want:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := newPolicy(tt.rules, nil)
			if err != nil {
				t.Fatalf("newPolicy() error = %v", err)
			}
			if got := p.Can(ActionRead, tt.doc); got != tt.want {
				t.Errorf("Can(read) = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPolicy_FieldChecks(t *testing.T) {
	p, err := newPolicy([]Rule{
		{Action: ActionUpdate, Subject: "Note", Fields: []string{"title", "body"}},
		{Action: ActionUpdate, Subject: "Note", Fields: []string{"body"}, Inverted: true},
	}, nil)
	if err != nil {
		t.Fatalf("newPolicy() error = %v", err)
	}
	d := doc("Note:1")

	if !p.Can(ActionUpdate, d) {
		t.Error("Can(update) without field = false, want true")
	}
	if !p.Can(ActionUpdate, d, "title") {
		t.Error("Can(update, title) = false, want true")
	}
	if p.Can(ActionUpdate, d, "body") {
		t.Error("Can(update, body) = true, want false")
	}
	if p.Can(ActionUpdate, d, "owner") {
		t.Error("Can(update, owner) = true, want false")
	}
}

func TestPolicy_PermittedFields(t *testing.T) {
	d := doc("Note:1", "owner", "alice")

	tests := []struct {
		name      string
		rules     []Rule
		wantAll   bool
		wantEmpty bool
		allowed   []string
		denied    []string
	}{
		{
			name:    "rule without fields is all fields",
			rules:   []Rule{{Action: ActionUpdate, Subject: "Note"}},
			wantAll: true,
			allowed: []string{"title", "anything"},
		},
		{
			name: "union of field lists",
			rules: []Rule{
				{Action: ActionUpdate, Subject: "Note", Fields: []string{"title"}},
				{Action: ActionUpdate, Subject: "all", Fields: []string{"body"}},
			},
			allowed: []string{"title", "body"},
			denied:  []string{"owner"},
		},
		{
			name: "inverted fields carve out of all",
			rules: []Rule{
				{Action: ActionUpdate, Subject: "Note"},
				{Action: ActionUpdate, Subject: "Note", Fields: []string{"owner"}, Inverted: true},
			},
			allowed: []string{"title"},
			denied:  []string{"owner"},
		},
		{
			name: "inverted without fields empties the set",
			rules: []Rule{
				{Action: ActionUpdate, Subject: "Note", Fields: []string{"title"}},
				{Action: ActionUpdate, Subject: "Note", Inverted: true},
			},
			wantEmpty: true,
			denied:    []string{"title"},
		},
		{
			name: "conditions narrow matching rules",
			rules: []Rule{
				{Action: ActionUpdate, Subject: "Note", Fields: []string{"title"}},
				{Action: ActionUpdate, Subject: "Note", Fields: []string{"body"}, Conditions: map[string]any{"owner": "bob"}},
			},
			allowed: []string{"title"},
			denied:  []string{"body"},
		},
		{
			name:      "other actions are ignored",
			rules:     []Rule{{Action: ActionRead, Subject: "Note"}},
			wantEmpty: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := newPolicy(tt.rules, nil)
			if err != nil {
				t.Fatalf("newPolicy() error = %v", err)
			}
			fs := p.PermittedFields(ActionUpdate, d)
			if fs.All() != tt.wantAll {
				t.Errorf("All() = %v, want %v", fs.All(), tt.wantAll)
			}
			if fs.Empty() != tt.wantEmpty {
				t.Errorf("Empty() = %v, want %v", fs.Empty(), tt.wantEmpty)
			}
			for _, f := range tt.allowed {
				if !fs.Allows(f) {
					t.Errorf("Allows(%q) = false, want true", f)
				}
			}
			for _, f := range tt.denied {
				if fs.Allows(f) {
					t.Errorf("Allows(%q) = true, want false", f)
				}
			}
		})
	}
}

func TestCompile_UserVariables(t *testing.T) {
	set := mustRuleSet(t, RuleConfig{
		"user_app": {
			{Action: ActionRead, Subject: "Note", Conditions: map[string]any{"owner": "${user.name}"}},
			{Action: ActionRead, Subject: "Team", Conditions: map[string]any{"members": "${user.name}"}},
			{Action: ActionRead, Subject: "Secret", Conditions: map[string]any{"email": "${user.email}"}},
			{Action: ActionRead, Subject: "Group", Conditions: map[string]any{"role": map[string]any{"$in": "${user.roles}"}}},
			{Action: ActionRead, Subject: "Tag", Conditions: map[string]any{"label": "owner:${user.name}"}},
		},
	})
	alice := &auth.Identity{ID: "alice", Name: "alice", Roles: []string{"user_app", "staff"}}
	p := mustCompile(t, set, alice)

	tests := []struct {
		name string
		doc  map[string]any
		want bool
	}{
		{"owner matches", doc("Note:1", "owner", "alice"), true},
		{"owner differs", doc("Note:2", "owner", "bob"), false},
		{"array field contains user", doc("Team:1", "members", []any{"bob", "alice"}), true},
		{"undefined property matches no value", doc("Secret:1", "email", "undefined"), false},
		{"undefined property does not match absent field", doc("Secret:2"), false},
		{"whole reference keeps list type", doc("Group:1", "role", "staff"), true},
		{"embedded reference interpolates", doc("Tag:1", "label", "owner:alice"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.Can(ActionRead, tt.doc); got != tt.want {
				t.Errorf("Can(read, %v) = %v, want %v", tt.doc, got, tt.want)
			}
		})
	}

	// The snapshot keeps its placeholders.
	rules, _ := set.rules("user_app")
	if rules[0].Conditions["owner"] != "${user.name}" {
		t.Errorf("snapshot condition mutated: %v", rules[0].Conditions["owner"])
	}
}

func TestCompile_ReferenceError(t *testing.T) {
	set := mustRuleSet(t, RuleConfig{
		"user_app": {
			{Action: ActionRead, Subject: "Note"},
			{Action: ActionRead, Subject: "Note", Conditions: map[string]any{"owner": "${account.name}"}},
		},
	})

	p, err := Compile(set, &auth.Identity{Name: "alice", Roles: []string{"user_app"}})
	if err == nil {
		t.Fatal("Compile() error = nil, want reference error")
	}
	if p != nil {
		t.Error("Compile() returned a partial policy")
	}
	if !errors.Is(err, ErrReference) {
		t.Errorf("errors.Is(err, ErrReference) = false for %v", err)
	}
	var refErr *ReferenceError
	if !errors.As(err, &refErr) || refErr.Variable != "account.name" {
		t.Errorf("ReferenceError = %+v", refErr)
	}
}

type stubExpr func(doc, user map[string]any) (bool, error)

func (f stubExpr) Eval(doc, user map[string]any) (bool, error) { return f(doc, user) }

type stubCompiler map[string]Expr

func (c stubCompiler) CompileExpr(source string) (Expr, error) {
	if e, ok := c[source]; ok {
		return e, nil
	}
	return nil, errors.New("unknown expression")
}

func TestPolicy_WhenExpression(t *testing.T) {
	compiler := stubCompiler{
		"doc.owner == user.name": stubExpr(func(doc, user map[string]any) (bool, error) {
			return doc["owner"] == user["name"], nil
		}),
		"broken": stubExpr(func(doc, user map[string]any) (bool, error) {
			return false, errors.New("no such key")
		}),
	}
	set, err := NewRuleSet(RuleConfig{
		RoleDefault: {
			{Action: ActionRead, Subject: "Note", When: "doc.owner == user.name"},
			{Action: ActionRead, Subject: "Draft", When: "broken"},
		},
	}, "", compiler)
	if err != nil {
		t.Fatalf("NewRuleSet() error = %v", err)
	}
	p := mustCompile(t, set, &auth.Identity{Name: "alice"})

	if !p.Can(ActionRead, doc("Note:1", "owner", "alice")) {
		t.Error("expression should grant own note")
	}
	if p.Can(ActionRead, doc("Note:2", "owner", "bob")) {
		t.Error("expression should not grant other note")
	}
	if p.Can(ActionRead, doc("Draft:1")) {
		t.Error("failing expression must not match")
	}

	if _, err := NewRuleSet(RuleConfig{"r": {{Action: ActionRead, Subject: "Note", When: "nope"}}}, "", compiler); !errors.Is(err, ErrMalformedRules) {
		t.Errorf("NewRuleSet(bad expression) error = %v, want ErrMalformedRules", err)
	}
	if _, err := NewRuleSet(RuleConfig{"r": {{Action: ActionRead, Subject: "Note", When: "x"}}}, "", nil); !errors.Is(err, ErrMalformedRules) {
		t.Errorf("NewRuleSet(no compiler) error = %v, want ErrMalformedRules", err)
	}
}
