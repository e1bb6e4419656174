package mailbox

import "math"

type testRecord struct {
	slot string
}

func (r *testRecord) MailboxSlot() string { return r.slot }
func (r *testRecord) SetMailboxSlot(s string) { r.slot = s }

type testResult struct {
	slot string
	body string
}

func (r *testResult) MailboxSlot() string { return r.slot }

// anyTimeouts covers negative, negative one, zero, positive and unbounded.
func anyTimeouts() map[string]Timeout {
	return map[string]Timeout{
		"negative":     Seconds(-9.4),
		"negative_one": Seconds(-1),
		"zero":         Seconds(0),
		"positive":     Seconds(99.1),
		"none":         NoTimeout(),
	}
}

func immediateTimeouts() map[string]Timeout {
	return map[string]Timeout{
		"negative":     Seconds(-3.2),
		"negative_one": Seconds(-1),
		"zero":         Seconds(0),
	}
}

func invalidTimeouts() map[string]Timeout {
	return map[string]Timeout{
		"inf":     Seconds(math.Inf(1)),
		"neg_inf": Seconds(math.Inf(-1)),
		"nan":     Seconds(math.NaN()),
	}
}
