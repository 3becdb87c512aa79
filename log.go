package hapble

import "github.com/sirupsen/logrus"

// loggers holds one entry per log category.
type loggers struct {
	adv         *logrus.Entry
	broadcast   *logrus.Entry
	char        *logrus.Entry
	procedure   *logrus.Entry
	transaction *logrus.Entry
	pdu         *logrus.Entry
	manager     *logrus.Entry
	session     *logrus.Entry
}

func newLoggers(l *logrus.Logger) loggers {
	cat := func(name string) *logrus.Entry {
		return l.WithField("category", name)
	}
	return loggers{
		adv:         cat("BLEAdvertising"),
		broadcast:   cat("BLEBroadcast"),
		char:        cat("BLECharacteristic"),
		procedure:   cat("BLEProcedure"),
		transaction: cat("BLETransaction"),
		pdu:         cat("BLEPDU"),
		manager:     cat("BLEPeripheralManager"),
		session:     cat("BLESession"),
	}
}

// charFields identifies a characteristic in log lines.
func charFields(c *Characteristic) logrus.Fields {
	f := logrus.Fields{"iid": c.iid}
	if c.service != nil {
		f["sid"] = c.service.iid
		if c.service.accessory != nil {
			f["aid"] = c.service.accessory.aid
		}
	}
	return f
}
