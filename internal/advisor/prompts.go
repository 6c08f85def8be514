package advisor

import (
	"fmt"
	"strings"

	"github.com/kjstillabower/agri-assistant/internal/i18n"
	"github.com/kjstillabower/agri-assistant/internal/models"
)

const systemInstruction = `You are an agricultural extension officer helping smallholder farmers.
Give practical, locally appropriate guidance. Prefer low-cost options.
Keep answers short: at most six bullet points or two short paragraphs.
Never invent weather figures; use only the data you are given.`

func languageLine(lang string) string {
	return fmt.Sprintf("Respond only in %s.", i18n.DisplayName(lang))
}

func locationOrUnknown(location string) string {
	if strings.TrimSpace(location) == "" {
		return "unknown location"
	}
	return location
}

func advicePrompt(lang, location string, w models.WeatherRecord, soil SoilCondition) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Farmer location: %s\n", locationOrUnknown(location))
	fmt.Fprintf(&b, "Soil type: %s\n", w.SoilType)
	fmt.Fprintf(&b, "Soil fertility: %s\n", soil.describe())
	fmt.Fprintf(&b, "Current: temperature %.1f°C, rainfall %.1f mm\n", w.Current.Temperature, w.Current.Rainfall)
	fmt.Fprintf(&b, "Today's forecast: max %.1f°C, min %.1f°C, rainfall %.1f mm\n",
		w.Forecast.MaxTemp, w.Forecast.MinTemp, w.Forecast.Rainfall)
	b.WriteString("\nRecommend which crops to sow now and how to prepare the field, ")
	b.WriteString("including irrigation and fertilizer steps suited to the soil fertility.\n")
	b.WriteString(languageLine(lang))
	return b.String()
}

func photoPrompt(lang, location string) string {
	return fmt.Sprintf(`The photo shows a crop plant from a farm near %s.
Identify the crop if possible, then any visible disease, pest damage or nutrient deficiency.
If the plant looks healthy, say so. Suggest treatment and prevention steps a farmer can act on.
If the image is not a plant, say that briefly.
%s`, locationOrUnknown(location), languageLine(lang))
}

func voicePrompt(lang, location string) string {
	return fmt.Sprintf(`The audio is a farmer near %s asking a question.
Answer the question directly as spoken advice: short sentences, no markdown.
If the audio is silent or unintelligible, ask them to repeat the question.
%s`, locationOrUnknown(location), languageLine(lang))
}
