package registry

// PropertyDescriptor names a single property of a target kind: its
// declared type and whether it is read-only. The Get/Set dispatcher uses
// this table to validate requests before touching storage, per DESIGN
// NOTES' tagged-dispatch guidance (route by target kind to per-kind
// descriptors rather than modeling inheritance).
type PropertyDescriptor struct {
	Name     string
	Kind     ValueKind
	ReadOnly bool
}

// managerProperties, streamProperties, objectProperties are the per-kind
// property tables used by PropertyGet/PropertySet implementations and by
// the transport layer's Introspect.
var (
	managerProperties = []PropertyDescriptor{
		{"UUID", ValString, true},
		{"HumanReadableName", ValString, false},
		{"Cookie", ValString, false},
		{"Priority", ValInt32, false},
		{"TransportHint", ValString, false},
		{"DiscoveredTime", ValInt64, true},
		{"PublishedTime", ValInt64, true},
		{"RegistrationTime", ValInt64, true},
	}

	streamProperties = []PropertyDescriptor{
		{"UUID", ValString, true},
		{"HumanReadableName", ValString, false},
		{"Cookie", ValString, false},
		{"Priority", ValInt32, false},
		{"Freshness", ValUint32, false},
		{"ObjectsMostlyInline", ValBool, false},
		{"Instance", ValUint64, true},
		{"RegistrationTime", ValInt64, true},
	}

	objectProperties = []PropertyDescriptor{
		{"UUID", ValString, true},
		{"HumanReadableName", ValString, false},
		{"Cookie", ValString, false},
		{"Versions", ValVersions, false},
		{"Filename", ValString, false},
		{"Wakeup", ValBool, false},
		{"TriggerTarget", ValInt64, false},
		{"TriggerEarliest", ValInt64, false},
		{"TriggerLatest", ValInt64, false},
		{"TransferFrequency", ValUint32, false},
		{"DontTransfer", ValBool, false},
		{"NeedUpdate", ValBool, false},
		{"Priority", ValInt32, false},
		{"DiscoveredTime", ValInt64, true},
		{"PublishedTime", ValInt64, true},
		{"Instance", ValUint64, true},
	}
)

// Properties returns the property descriptor table for a target kind.
// KindRoot has no properties of its own.
func Properties(kind TargetKind) []PropertyDescriptor {
	switch kind {
	case KindManager:
		return managerProperties
	case KindStream:
		return streamProperties
	case KindObject:
		return objectProperties
	default:
		return nil
	}
}

// Describe looks up a single property descriptor by name, returning
// ok=false if the target kind has no such property.
func Describe(kind TargetKind, name string) (PropertyDescriptor, bool) {
	for _, d := range Properties(kind) {
		if d.Name == name {
			return d, true
		}
	}
	return PropertyDescriptor{}, false
}

// ValidateSet checks that name is a known, writable property of kind with
// a value of the declared type. It does not apply the change.
func ValidateSet(kind TargetKind, name string, v Value) error {
	d, ok := Describe(kind, name)
	if !ok {
		return ErrInvalidArgs("unknown property: " + name)
	}
	if d.ReadOnly {
		return ErrInvalidArgs("property is read-only: " + name)
	}
	if d.Kind != v.Kind {
		return ErrInvalidArgs("wrong type for property " + name)
	}
	return nil
}

// ValidateTriggerOrdering checks invariant 3 of §3: TriggerEarliest <=
// TriggerTarget <= TriggerLatest whenever all three are set. A nil field
// is unconstrained, so it takes no part in the check. Callers pass the
// object's trigger state as it would read immediately after the write
// being validated, since this is a cross-field check PropertySet alone
// can see (descriptor-table validation only ever sees one field).
func ValidateTriggerOrdering(earliest, target, latest *int64) error {
	if earliest == nil || target == nil || latest == nil {
		return nil
	}
	if *earliest <= *target && *target <= *latest {
		return nil
	}
	return ErrInvalidArgs("TriggerEarliest <= TriggerTarget <= TriggerLatest violated")
}
