package identity

import (
	"strings"
	"time"

	"github.com/labcase/labcase/internal/platform/collection"
	"github.com/labcase/labcase/internal/platform/table"
)

// Collection discriminators.
const (
	PatientCollection = "dbo_Pacientes"
	DoctorCollection  = "dbo_Doctores"
)

// Placeholder demographics for patients created implicitly while registering
// a study request. They are stored as-is so the gap stays visible.
const (
	PlaceholderSex       = "N/A"
	PlaceholderBirthDate = "2000-01-01"
)

// Patient is a row of dbo_Pacientes.
type Patient struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	PaternalSurname string    `json:"paternal_surname"`
	MaternalSurname string    `json:"maternal_surname"`
	Phone           string    `json:"phone"`
	Email           string    `json:"email"`
	Address         string    `json:"address"`
	Sex             string    `json:"sex"`
	BirthDate       string    `json:"birth_date"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// FullName joins the name and both surnames.
func (p *Patient) FullName() string {
	return joinName(p.Name, p.PaternalSurname, p.MaternalSurname)
}

// PatientUpdate is a partial profile edit. Nil fields are left untouched.
type PatientUpdate struct {
	Name            *string `json:"name"`
	PaternalSurname *string `json:"paternal_surname"`
	MaternalSurname *string `json:"maternal_surname"`
	Phone           *string `json:"phone"`
	Email           *string `json:"email"`
	Address         *string `json:"address"`
	Sex             *string `json:"sex"`
	BirthDate       *string `json:"birth_date"`
}

// trim strips surrounding whitespace from every field that is set.
func (u *PatientUpdate) trim() {
	for _, v := range []*string{u.Name, u.PaternalSurname, u.MaternalSurname, u.Phone, u.Email, u.Address, u.Sex, u.BirthDate} {
		if v != nil {
			*v = strings.TrimSpace(*v)
		}
	}
}

func (u PatientUpdate) fields() map[string]any {
	out := map[string]any{}
	set := func(attr string, v *string) {
		if v != nil {
			out[attr] = strings.TrimSpace(*v)
		}
	}
	set("Nombre", u.Name)
	set("ApellidoPat", u.PaternalSurname)
	set("ApellidoMat", u.MaternalSurname)
	set("Telefono", u.Phone)
	set("Email", u.Email)
	set("Direccion", u.Address)
	set("Sexo", u.Sex)
	set("FechaNacimiento", u.BirthDate)
	return out
}

// PatientSeed is what a study request knows about its patient.
type PatientSeed struct {
	Name       string
	Phone      string
	Address    string
	Sex        string
	BirthDate  string
	ReceivedAt time.Time
}

// Doctor is a row of dbo_Doctores.
type Doctor struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	FirstSurname  string    `json:"first_surname"`
	SecondSurname string    `json:"second_surname"`
	Phone         string    `json:"phone"`
	Email         string    `json:"email"`
	Specialty     string    `json:"specialty"`
	Address       string    `json:"address"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// FullName joins the name and both surnames.
func (d *Doctor) FullName() string {
	return joinName(d.Name, d.FirstSurname, d.SecondSurname)
}

func patientFromRow(row collection.Row) *Patient {
	p := &Patient{
		ID:              row.ID(),
		Name:            row.String("Nombre", "nombre"),
		PaternalSurname: row.String("ApellidoPat", "apellidoPat", "PrimerApellido"),
		MaternalSurname: row.String("ApellidoMat", "apellidoMat", "SegundoApellido"),
		Phone:           row.String("Telefono", "telefono"),
		Email:           row.String("Email", "email"),
		Address:         row.String("Direccion", "direccion"),
		Sex:             row.String("Sexo", "sexo"),
		BirthDate:       row.String("FechaNacimiento", "fechaNacimiento"),
		CreatedAt:       row.Time(collection.AttrCreatedAt, "createdAt"),
		UpdatedAt:       row.Time(collection.AttrUpdatedAt, "updatedAt"),
	}
	if p.Name == "" {
		p.Name = row.String("NombreCompleto", "nombreCompleto")
	}
	return p
}

func patientRow(p *Patient) collection.Row {
	row := collection.Row{
		table.AttrID:      p.ID,
		"Nombre":          p.Name,
		"ApellidoPat":     p.PaternalSurname,
		"ApellidoMat":     p.MaternalSurname,
		"Telefono":        p.Phone,
		"Email":           p.Email,
		"Direccion":       p.Address,
		"Sexo":            p.Sex,
		"FechaNacimiento": p.BirthDate,
	}
	stampRow(row, p.CreatedAt, p.UpdatedAt)
	return row
}

func doctorFromRow(row collection.Row) *Doctor {
	d := &Doctor{
		ID:            row.ID(),
		Name:          row.String("Nombre", "nombre"),
		FirstSurname:  row.String("PrimerApellido", "primerApellido", "ApellidoPat"),
		SecondSurname: row.String("SegundoApellido", "segundoApellido", "ApellidoMat"),
		Phone:         row.String("Telefono", "telefono"),
		Email:         row.String("Email", "email"),
		Specialty:     row.String("Especialidad", "especialidad"),
		Address:       row.String("Direccion", "direccion"),
		CreatedAt:     row.Time(collection.AttrCreatedAt, "createdAt"),
		UpdatedAt:     row.Time(collection.AttrUpdatedAt, "updatedAt"),
	}
	if d.Name == "" {
		d.Name = row.String("NombreCompleto", "nombreCompleto")
	}
	return d
}

func doctorRow(d *Doctor) collection.Row {
	row := collection.Row{
		table.AttrID:      d.ID,
		"Nombre":          d.Name,
		"PrimerApellido":  d.FirstSurname,
		"SegundoApellido": d.SecondSurname,
		"Telefono":        d.Phone,
		"Email":           d.Email,
		"Especialidad":    d.Specialty,
		"Direccion":       d.Address,
	}
	stampRow(row, d.CreatedAt, d.UpdatedAt)
	return row
}

func stampRow(row collection.Row, created, updated time.Time) {
	if !created.IsZero() {
		row[collection.AttrCreatedAt] = collection.FormatTime(created)
		if updated.IsZero() {
			updated = created
		}
	}
	if !updated.IsZero() {
		row[collection.AttrUpdatedAt] = collection.FormatTime(updated)
	}
}

func joinName(parts ...string) string {
	var out []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, " ")
}

// NormalizeName folds case and collapses whitespace so names typed slightly
// differently compare equal.
func NormalizeName(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}

func containsFold(term string, values ...string) bool {
	for _, v := range values {
		if strings.Contains(strings.ToLower(v), term) {
			return true
		}
	}
	return false
}
