package model

// Fields is the ordered list of filterable and sortable columns of the
// tour_data table. Used for query building and field validation.
var Fields = []string{
	"tour_id", "start_time", "start_year", "start_month", "start_week",
	"start_week_year", "import_file_path", "import_file_name", "tour_type_id",
	"title", "person_id", "distance", "recording_time", "moving_time",
	"altitude_up", "altitude_down", "calories", "max_speed", "max_pulse",
	"avg_pulse",
}

// IsField reports whether name is one of Fields.
func IsField(name string) bool {
	for _, f := range Fields {
		if f == name {
			return true
		}
	}
	return false
}
