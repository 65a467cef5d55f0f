package policy

import (
	"time"
)

// BuiltinPolicies returns the policies every gate starts with.
func BuiltinPolicies() []Policy {
	return []Policy{
		protectedResourcePolicy(),
		namingConventionPolicy(),
	}
}

// protectedResourcePolicy refuses to remove resources that declare
// protected: true. Dry runs are admitted with a warning so the preview
// still shows what the real run would refuse.
func protectedResourcePolicy() Policy {
	return Policy{
		Name:        "protected-resources",
		Description: "Refuses to remove resources whose declaration carries protected: true",
		Enabled:     true,
		Tags:        []string{"safety", "deletion"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package trueup.policies.protected

deny contains msg if {
	input.operation == "absent"
	input.chunk.params.protected == true
	not input.test
	msg := sprintf("Resource %s is marked protected and must not be removed", [input.chunk.name])
}

warn contains msg if {
	input.operation == "absent"
	input.chunk.params.protected == true
	input.test
	msg := sprintf("Resource %s is marked protected; a real run would refuse to remove it", [input.chunk.name])
}`,
	}
}

// namingConventionPolicy warns when a declaration ID strays from the
// lowercase convention. It never blocks.
func namingConventionPolicy() Policy {
	return Policy{
		Name:        "naming-convention",
		Description: "Warns when declaration IDs are not lowercase alphanumerics with hyphens or underscores",
		Enabled:     true,
		Tags:        []string{"naming", "conventions"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package trueup.policies.naming

warn contains msg if {
	id := input.chunk["__id__"]
	not regex.match("^[a-z0-9][a-z0-9_-]*$", id)
	msg := sprintf("Declaration ID %q does not follow the lowercase naming convention", [id])
}`,
	}
}
