package dd

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const header = "src_db,src_table,src_field,src_datatype,decision,scrub_src,scrub_kind,dest_table,dest_field,dest_datatype,index,comment\n"

func writeDict(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dd.csv")
	content := header + strings.Join(lines, "\n") + "\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadValidDictionary(t *testing.T) {
	path := writeDict(t,
		"pas,patients,patient_id,varchar,pid,,,patients,rid,text,y,",
		"pas,patients,nhs_number,varchar,mpid,y,number,patients,mrid,text,,",
		"pas,patients,surname,varchar,omit,y,name,,,,,gathered only",
		"pas,patients,dob,date,include,y,date,patients,dob,date,,",
		"pas,patients,notes,text,scrub,,,patients,notes,text,,",
		"pas,patients,row_id,varchar,src_hash,,,patients,src_pk,text,,",
		"pas,lookup_codes,code,varchar,include,,,lookup_codes,code,text,,",
	)

	d, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if got := len(d.Entries()); got != 7 {
		t.Errorf("entries = %d, want 7", got)
	}
	if dbs := d.SourceDBs(); len(dbs) != 1 || dbs[0] != "pas" {
		t.Errorf("SourceDBs = %v", dbs)
	}
	if tables := d.Tables("pas"); len(tables) != 2 || tables[0] != "patients" || tables[1] != "lookup_codes" {
		t.Errorf("Tables = %v", tables)
	}

	pid := d.PIDColumn("pas", "patients")
	if pid == nil || pid.SourceField != "patient_id" {
		t.Fatalf("PIDColumn = %+v", pid)
	}
	if d.IsSystemTable("pas", "patients") {
		t.Error("patients table has a pid column and is not a system table")
	}
	if !d.IsSystemTable("pas", "lookup_codes") {
		t.Error("lookup_codes has no pid column and is a system table")
	}

	srcs := d.ScrubSourceEntries()
	if len(srcs) != 3 {
		t.Fatalf("ScrubSourceEntries = %d entries, want 3", len(srcs))
	}
	if srcs[1].SourceField != "surname" || srcs[1].IdentifierKind != "name" {
		t.Errorf("scrub source = %+v", srcs[1])
	}
}

func TestLoadTSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dd.tsv")
	content := strings.ReplaceAll(header, ",", "\t") +
		"pas\tpatients\tpatient_id\tvarchar\tpid\t\t\tpatients\trid\ttext\t\t\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	d, err := Load(path)
	if err != nil {
		t.Fatalf("Load tsv: %v", err)
	}
	if len(d.Entries()) != 1 {
		t.Errorf("entries = %d, want 1", len(d.Entries()))
	}
}

func TestLoadRejections(t *testing.T) {
	tests := []struct {
		name  string
		lines []string
		want  string
	}{
		{
			name:  "unknown decision",
			lines: []string{"pas,patients,f,text,redact,,,t,f,,,"},
			want:  "unknown decision",
		},
		{
			name:  "missing destination",
			lines: []string{"pas,patients,f,text,include,,,,,,,"},
			want:  "destination table and field are required",
		},
		{
			name:  "scrub on non-text datatype",
			lines: []string{"pas,patients,f,integer,scrub,,,t,f,,,"},
			want:  "non-text datatype",
		},
		{
			name:  "scrub_src without kind",
			lines: []string{"pas,patients,f,text,omit,y,,,,,,"},
			want:  "requires scrub_kind",
		},
		{
			name:  "unknown scrub kind",
			lines: []string{"pas,patients,f,text,omit,y,surname,,,,,"},
			want:  "unknown identifier kind",
		},
		{
			name: "duplicate source column",
			lines: []string{
				"pas,patients,patient_id,varchar,pid,,,patients,rid,,,",
				"pas,patients,patient_id,varchar,include,,,patients,pid2,,,",
			},
			want: "duplicate source column",
		},
		{
			name: "duplicate destination field",
			lines: []string{
				"pas,patients,patient_id,varchar,pid,,,patients,rid,,,",
				"pas,patients,other_id,varchar,include,,,patients,rid,,,",
			},
			want: "duplicate destination field",
		},
		{
			name: "two pid columns in one table",
			lines: []string{
				"pas,patients,patient_id,varchar,pid,,,patients,rid,,,",
				"pas,patients,local_id,varchar,pid,,,patients,rid2,,,",
			},
			want: "more than one pid column",
		},
		{
			name: "source table split across destination tables",
			lines: []string{
				"pas,patients,patient_id,varchar,pid,,,demographics,rid,,,",
				"pas,patients,city,varchar,include,,,contacts,city,,,",
			},
			want: "multiple destination tables",
		},
		{
			name: "scrub on system table",
			lines: []string{
				"pas,lookup_codes,description,text,scrub,,,lookup_codes,description,,,",
			},
			want: "system table",
		},
		{
			name: "scrub_src on system table",
			lines: []string{
				"pas,lookup_codes,label,text,include,y,word,lookup_codes,label,,,",
			},
			want: "system table",
		},
		{
			name:  "bad boolean",
			lines: []string{"pas,patients,f,text,omit,maybe,,,,,,"},
			want:  "not a boolean",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeDict(t, tt.lines...))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestLoadMissingRequiredHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dd.csv")
	if err := os.WriteFile(path, []byte("src_db,src_table\npas,patients\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "missing required column") {
		t.Fatalf("error = %v", err)
	}
}

func TestLoadEmptyDictionary(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dd.csv")
	if err := os.WriteFile(path, []byte(header), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "no entries") {
		t.Fatalf("error = %v", err)
	}
}

func TestCheckAgainstSchema(t *testing.T) {
	d, err := Load(writeDict(t,
		"pas,patients,patient_id,varchar,pid,,,patients,rid,text,,",
		"pas,patients,dob,date,include,,,patients,dob,date,,",
	))
	if err != nil {
		t.Fatal(err)
	}

	cols := []Column{
		{Table: "PATIENTS", Name: "PATIENT_ID", Datatype: "varchar"},
		{Table: "patients", Name: "dob", Datatype: "date"},
	}
	if err := d.CheckAgainstSchema("pas", cols); err != nil {
		t.Errorf("schema check should be case-insensitive: %v", err)
	}

	missing := cols[:1]
	err = d.CheckAgainstSchema("pas", missing)
	if err == nil || !strings.Contains(err.Error(), "not present in source database") {
		t.Fatalf("error = %v", err)
	}
}
