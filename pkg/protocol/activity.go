package protocol

import (
	"encoding/json"
	"fmt"
)

// ActivityType tags one audit-trail entry. Fixed variants serialize as their
// bare name ("MonitorPhase"); the open Custom case serializes as the one-key
// object {"Custom":"..."} so existing stream consumers keep working. Unknown
// bare names are accepted and preserved on decode.
type ActivityType struct {
	name   string
	custom bool
}

// Fixed activity variants.
var (
	ActivityInitialized       = ActivityType{name: "Initialized"}
	ActivityStarted           = ActivityType{name: "Started"}
	ActivityStopped           = ActivityType{name: "Stopped"}
	ActivityStatusChanged     = ActivityType{name: "StatusChanged"}
	ActivityMrapStarted       = ActivityType{name: "MrapStarted"}
	ActivityMonitorPhase      = ActivityType{name: "MonitorPhase"}
	ActivityReasonPhase       = ActivityType{name: "ReasonPhase"}
	ActivityActPhase          = ActivityType{name: "ActPhase"}
	ActivityReflectPhase      = ActivityType{name: "ReflectPhase"}
	ActivityMrapCompleted     = ActivityType{name: "MrapCompleted"}
	ActivityProcessStarted    = ActivityType{name: "ProcessStarted"}
	ActivityProcessStep       = ActivityType{name: "ProcessStep"}
	ActivityProcessCompleted  = ActivityType{name: "ProcessCompleted"}
	ActivityProcessFailed     = ActivityType{name: "ProcessFailed"}
	ActivityMessageReceived   = ActivityType{name: "MessageReceived"}
	ActivityMessageSent       = ActivityType{name: "MessageSent"}
	ActivityResponseGenerated = ActivityType{name: "ResponseGenerated"}
	ActivityDecisionMade      = ActivityType{name: "DecisionMade"}
	ActivityActionTaken       = ActivityType{name: "ActionTaken"}
	ActivityResultRecorded    = ActivityType{name: "ResultRecorded"}
)

// CustomActivity returns the open variant carrying an arbitrary tag.
func CustomActivity(name string) ActivityType {
	return ActivityType{name: name, custom: true}
}

// Name returns the variant name, or the custom tag for the open case.
func (t ActivityType) Name() string { return t.name }

// IsCustom reports whether t is the open Custom case.
func (t ActivityType) IsCustom() bool { return t.custom }

// String renders the variant for mirror lines: the bare name, or
// Custom("tag") for the open case.
func (t ActivityType) String() string {
	if t.custom {
		return fmt.Sprintf("Custom(%q)", t.name)
	}
	return t.name
}

type customActivity struct {
	Custom string `json:"Custom"`
}

// MarshalJSON implements json.Marshaler.
func (t ActivityType) MarshalJSON() ([]byte, error) {
	if t.custom {
		return json.Marshal(customActivity{Custom: t.name})
	}
	return json.Marshal(t.name)
}

// UnmarshalJSON implements json.Unmarshaler, accepting both the bare-string
// and the {"Custom":...} shape.
func (t *ActivityType) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		t.name = name
		t.custom = false
		return nil
	}
	var obj map[string]string
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("activity type: unrecognized shape %s", data)
	}
	custom, ok := obj["Custom"]
	if !ok {
		return fmt.Errorf("activity type: unrecognized shape %s", data)
	}
	t.name = custom
	t.custom = true
	return nil
}
