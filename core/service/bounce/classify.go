package bounce

import (
	"strconv"
	"strings"

	"github.com/inboundrelay/gateway/core/domain"
)

// classification is the resolved {class, category, bounceType,
// subType} tuple derived from an enhanced status code.
type classification struct {
	StatusClass    int
	StatusCategory int
	BounceType     domain.BounceType
	BounceSubType  domain.BounceSubType
}

// softExceptions are permanent (5.x) codes that, despite the 5.x
// class, are treated as soft bounces because the underlying condition
// (mailbox full, message too large) is plausibly transient.
var softExceptions = map[string]bool{
	"5.2.2": true,
	"5.3.4": true,
}

var subTypeByStatus = map[string]domain.BounceSubType{
	"5.1.1": domain.BounceSubTypeUserUnknown,
	"5.1.2": domain.BounceSubTypeBadDestination,
	"5.1.3": domain.BounceSubTypeBadDestination,
	"5.1.4": domain.BounceSubTypeBadDestination,
	"5.1.6": domain.BounceSubTypeBadDestination,
	"5.2.1": domain.BounceSubTypeMailboxDisabled,
	"5.2.2": domain.BounceSubTypeMailboxFull,
	"5.2.3": domain.BounceSubTypeMessageTooLarge,
	"5.3.4": domain.BounceSubTypeMessageTooLarge,
	"5.1.0": domain.BounceSubTypeInvalidDomain,
	"5.4.4": domain.BounceSubTypeDNSFailure,
	"5.7.1": domain.BounceSubTypePolicyRejection,
	"5.6.0": domain.BounceSubTypeContentRejected,
	"4.2.1": domain.BounceSubTypeMailboxDisabled,
	"4.2.2": domain.BounceSubTypeMailboxFull,
	"4.4.1": domain.BounceSubTypeConnectionFailed,
	"4.4.2": domain.BounceSubTypeConnectionFailed,
	"4.4.7": domain.BounceSubTypeDeliveryTimeout,
}

// classify derives the statusClass/statusCategory/bounceType/subType
// tuple from an enhanced status code of the form X.Y.Z, applying the
// diagnostic-code suppression-list override.
func classify(statusCode, diagnosticCode string) classification {
	parts := strings.SplitN(statusCode, ".", 3)
	if len(parts) < 2 {
		return classification{BounceType: domain.BounceTypeSoft, BounceSubType: domain.BounceSubTypeUnknown}
	}

	class, _ := strconv.Atoi(parts[0])
	category, _ := strconv.Atoi(parts[1])

	var bounceType domain.BounceType
	switch {
	case class == 5 && !softExceptions[statusCode]:
		bounceType = domain.BounceTypeHard
	case class == 5:
		bounceType = domain.BounceTypeSoft
	case class == 4:
		bounceType = domain.BounceTypeTransient
	default:
		bounceType = domain.BounceTypeSoft
	}

	subType, ok := subTypeByStatus[statusCode]
	if !ok {
		subType = domain.BounceSubTypeGeneralFailure
	}

	if strings.Contains(strings.ToLower(diagnosticCode), "suppression list") {
		subType = domain.BounceSubTypeSuppressionList
	}

	return classification{
		StatusClass:    class,
		StatusCategory: category,
		BounceType:     bounceType,
		BounceSubType:  subType,
	}
}
