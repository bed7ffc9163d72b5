package messaging

// Template names for the sub-study notification variants.
const (
	VariantThankYou       = "empro_thank_you"
	VariantSoftTriggers   = "empro_soft_triggers"
	VariantHardTriggers   = "empro_both_triggers"
	VariantStaff          = "empro_staff_hard"
	VariantStaffOptedOut  = "empro_staff_opted_out"
	VariantStaffReminder  = "empro_staff_reminder"
)

// SystemUserMarker flags emails authored by the platform rather than a
// person. WithdrawnPrefix marks subjects of mail about withdrawn patients.
const (
	SystemUserMarker = "__system__"
	WithdrawnPrefix  = "[withdrawn] "
)

// DefaultTemplates is the built-in variant set. Deployments override copy
// through the template table; keys here are the contract.
func DefaultTemplates() []Template {
	return []Template{
		{
			Name:    VariantThankYou,
			Subject: "Thank you for completing your {month_name} questionnaire",
			Body:    "Dear {patient_name},\n\nThank you for completing this month's questionnaire. Your care team reviews every submission.\n",
		},
		{
			Name:    VariantSoftTriggers,
			Subject: "Your {month_name} questionnaire results",
			Body:    "Dear {patient_name},\n\nThank you for your submission. Some of your answers suggest things may be a little harder this month. Resources are available at {resources_url}.\n",
		},
		{
			Name:    VariantHardTriggers,
			Subject: "Your {month_name} questionnaire results",
			Body:    "Dear {patient_name},\n\nThank you for your submission. Your answers suggest this month has been difficult. A member of your care team will be in touch. Resources are available at {resources_url}.\n",
		},
		{
			Name:    VariantStaff,
			Subject: "Patient {patient_id} reported a concerning change",
			Body:    "Patient {patient_name} ({patient_id}) triggered hard thresholds in: {hard_domains}.\nPlease follow up within 48 weekday hours.\n",
		},
		{
			Name:    VariantStaffOptedOut,
			Subject: "Patient {patient_id} reported a concerning change (contact opted out)",
			Body:    "Patient {patient_name} ({patient_id}) triggered hard thresholds in: {hard_domains}.\nThe patient opted out of direct contact for: {opted_out_domains}. No outreach is required for those domains.\n",
		},
		{
			Name:    VariantStaffReminder,
			Subject: "Reminder: patient {patient_id} follow-up outstanding",
			Body:    "The follow-up for patient {patient_id} ({hard_domains}) has not been marked resolved.\n",
		},
	}
}
