package colorize

import (
	"strings"
	"testing"
)

func TestDisabledPassThrough(t *testing.T) {
	t.Setenv("JNIVM_NO_COLOR", "1")

	tests := []struct {
		got, want string
	}{
		{Address(0x10000), "00010000"},
		{FuncName("JNI_OnLoad"), "JNI_OnLoad"},
		{Class("java/lang/String"), "java/lang/String"},
		{Descriptor("(II)I"), "(II)I"},
		{Instruction("ret"), "ret"},
		{Tag("#jni-call"), "#jni-call"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("got %q, want %q", tt.got, tt.want)
		}
	}
}

func TestSetEnabled(t *testing.T) {
	t.Setenv("JNIVM_NO_COLOR", "")
	t.Setenv("NO_COLOR", "")
	defer SetEnabled(true)

	SetEnabled(true)
	if got := FuncName("x"); !strings.Contains(got, "\033[") || !strings.HasSuffix(got, "\033[0m") {
		t.Errorf("enabled FuncName = %q", got)
	}
	SetEnabled(false)
	if got := FuncName("x"); got != "x" {
		t.Errorf("disabled FuncName = %q", got)
	}
}
