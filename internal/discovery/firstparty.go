package discovery

import "strings"

// firstPartyApps maps licence service-plan name prefixes to the first-party
// application they entitle. Longer prefixes are listed before shorter ones
// that share a stem.
var firstPartyApps = []struct {
	prefix string
	app    string
}{
	{"EXCHANGE_S_", "Exchange Online"},
	{"EXCHANGE_", "Exchange Online"},
	{"SHAREPOINTWAC", "Office for the Web"},
	{"SHAREPOINT", "SharePoint Online"},
	{"ONEDRIVE", "OneDrive for Business"},
	{"TEAMS", "Microsoft Teams"},
	{"MCOSTANDARD", "Skype for Business Online"},
	{"YAMMER", "Viva Engage"},
	{"POWERBI", "Power BI"},
	{"BI_AZURE", "Power BI"},
	{"FLOW_", "Power Automate"},
	{"POWERAPPS_", "Power Apps"},
	{"FORMS_", "Microsoft Forms"},
	{"STREAM_", "Microsoft Stream"},
	{"PROJECTWORKMANAGEMENT", "Microsoft Planner"},
	{"OFFICESUBSCRIPTION", "Microsoft 365 Apps"},
	{"INTUNE_", "Microsoft Intune"},
}

// firstPartyApp returns the application a service plan entitles, if known.
func firstPartyApp(planName string) (string, bool) {
	name := strings.ToUpper(strings.TrimSpace(planName))
	for _, fp := range firstPartyApps {
		if strings.HasPrefix(name, fp.prefix) {
			return fp.app, true
		}
	}
	return "", false
}
