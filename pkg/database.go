package skysim

import (
	"fmt"

	_ "github.com/go-sql-driver/mysql"
	sqlx "github.com/jmoiron/sqlx" //make alias name the package to sqlx
	_ "modernc.org/sqlite"
)

// DBConfig selects the instrument database. For sqlite, DBName is the file
// path.
type DBConfig struct {
	Driver string
	Host   string
	User   string
	Passwd string
	DBName string
}

func ConnectToDatabase(cfg DBConfig) (*sqlx.DB, error) {
	switch cfg.Driver {
	case "sqlite":
		return sqlx.Connect("sqlite", cfg.DBName)
	case "mysql", "":
		port := "3306"
		dbURI := fmt.Sprintf("%s:%s@(%s:%s)/%s?parseTime=true", cfg.User, cfg.Passwd, cfg.Host, port, cfg.DBName)
		return sqlx.Connect("mysql", dbURI)
	default:
		return nil, fmt.Errorf("%w: unknown database driver %q", ErrConfiguration, cfg.Driver)
	}
}

type referenceRow struct {
	Frequency float64 `db:"Frequency"`
	KneeI     float64 `db:"KneeI"`
	KneeP     float64 `db:"KneeP"`
	AlphaI    float64 `db:"AlphaI"`
	AlphaP    float64 `db:"AlphaP"`
}

type channelRow struct {
	Channel    int     `db:"Channel"`
	WhiteI     float64 `db:"WhiteI"`
	WhiteP     float64 `db:"WhiteP"`
	BeamArcmin float64 `db:"BeamArcmin"`
}

// LoadInstrumentFromDB reads the reference tables and channel list of an
// instrument.
func LoadInstrumentFromDB(db *sqlx.DB, name string, logger Logger) (InstrumentModel, error) {
	if logger == nil {
		logger = NopLogger()
	}
	logger.Info(fmt.Sprintf("Reading instrument %s from database", name), "database")

	var refs []referenceRow
	query := "SELECT Frequency, KneeI, KneeP, AlphaI, AlphaP FROM NoiseReference WHERE Instrument = ? ORDER BY Frequency"
	if err := db.Select(&refs, db.Rebind(query), name); err != nil {
		return InstrumentModel{}, fmt.Errorf("error querying reference table: %w", err)
	}
	var channels []channelRow
	query = "SELECT Channel, WhiteI, WhiteP, BeamArcmin FROM Channels WHERE Instrument = ? ORDER BY Channel"
	if err := db.Select(&channels, db.Rebind(query), name); err != nil {
		return InstrumentModel{}, fmt.Errorf("error querying channels: %w", err)
	}

	model := InstrumentModel{Name: name}
	for _, r := range refs {
		model.Reference.Frequencies = append(model.Reference.Frequencies, r.Frequency)
		model.Reference.KneeI = append(model.Reference.KneeI, r.KneeI)
		model.Reference.KneeP = append(model.Reference.KneeP, r.KneeP)
		model.Reference.AlphaI = append(model.Reference.AlphaI, r.AlphaI)
		model.Reference.AlphaP = append(model.Reference.AlphaP, r.AlphaP)
	}
	for _, c := range channels {
		model.Channels = append(model.Channels, ChannelSpec{
			Channel:    Channel(c.Channel),
			WhiteI:     c.WhiteI,
			WhiteP:     c.WhiteP,
			BeamArcmin: c.BeamArcmin,
		})
	}
	logger.Info(fmt.Sprintf("Instrument %s: %d reference frequencies, %d channels", name, len(refs), len(channels)), "database")
	if err := model.Validate(); err != nil {
		return InstrumentModel{}, fmt.Errorf("instrument %s: %w", name, err)
	}
	return model, nil
}

// StoreInstrument creates the instrument tables if needed and replaces the
// rows of model.Name with model.
func StoreInstrument(db *sqlx.DB, model InstrumentModel) error {
	if err := model.Validate(); err != nil {
		return err
	}
	tx, err := db.Beginx()
	if err != nil {
		return fmt.Errorf("error starting transaction: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		"CREATE TABLE IF NOT EXISTS NoiseReference (Instrument VARCHAR(64) NOT NULL, Frequency DOUBLE NOT NULL, KneeI DOUBLE NOT NULL, KneeP DOUBLE NOT NULL, AlphaI DOUBLE NOT NULL, AlphaP DOUBLE NOT NULL)",
		"CREATE TABLE IF NOT EXISTS Channels (Instrument VARCHAR(64) NOT NULL, Channel INTEGER NOT NULL, WhiteI DOUBLE NOT NULL, WhiteP DOUBLE NOT NULL, BeamArcmin DOUBLE NOT NULL)",
	} {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("error creating instrument tables: %w", err)
		}
	}

	for _, table := range []string{"NoiseReference", "Channels"} {
		if _, err := tx.Exec(tx.Rebind("DELETE FROM "+table+" WHERE Instrument = ?"), model.Name); err != nil {
			return fmt.Errorf("error clearing %s rows of %s: %w", table, model.Name, err)
		}
	}

	ref := model.Reference
	for i, f := range ref.Frequencies {
		_, err := tx.Exec(tx.Rebind("INSERT INTO NoiseReference (Instrument, Frequency, KneeI, KneeP, AlphaI, AlphaP) VALUES (?, ?, ?, ?, ?, ?)"),
			model.Name, f, ref.KneeI[i], ref.KneeP[i], ref.AlphaI[i], ref.AlphaP[i])
		if err != nil {
			return fmt.Errorf("error inserting reference row: %w", err)
		}
	}
	for _, c := range model.Channels {
		_, err := tx.Exec(tx.Rebind("INSERT INTO Channels (Instrument, Channel, WhiteI, WhiteP, BeamArcmin) VALUES (?, ?, ?, ?, ?)"),
			model.Name, int(c.Channel), c.WhiteI, c.WhiteP, c.BeamArcmin)
		if err != nil {
			return fmt.Errorf("error inserting channel row: %w", err)
		}
	}
	return tx.Commit()
}

// Instrument builds the instrument model selected by the configuration.
func (c Configuration) Instrument(logger Logger) (InstrumentModel, error) {
	switch c.InstrumentSource {
	case "builtin", "":
		model := DefaultInstrument()
		if c.InstrumentName != "" {
			model.Name = c.InstrumentName
		}
		return model, nil
	case "database":
		db, err := ConnectToDatabase(c.DBConfig())
		if err != nil {
			return InstrumentModel{}, fmt.Errorf("error connecting to database: %w", err)
		}
		defer db.Close()
		return LoadInstrumentFromDB(db, c.InstrumentName, logger)
	default:
		return InstrumentModel{}, fmt.Errorf("%w: unknown instrument source %q", ErrConfiguration, c.InstrumentSource)
	}
}
