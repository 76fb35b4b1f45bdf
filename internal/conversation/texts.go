// Copyright 2024 AI SA Assistant Project
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package conversation

import "github.com/your-org/funnel-assistant/internal/guard"

// ConnectionErrorText is shown when neither chat transport answered. It is
// the same in every language.
const ConnectionErrorText = "Error while connecting to the API."

type text struct{ de, en string }

func (t text) in(lang string) string {
	if guard.NormalizeLang(lang) == "en" {
		return t.en
	}
	return t.de
}

var (
	priceText = text{
		de: "Die Preise für Photovoltaik beginnen bei etwa 7.000€ bis 15.000€, abhängig von Größe & Standort. Für ein genaues Angebot:",
		en: "Prices for photovoltaics typically range from €7,000 to €15,000 depending on size & location. For an exact quote:",
	}
	interestText = text{
		de: "Super! Bitte füllen Sie dieses kurze Formular aus:",
		en: "Great! Please fill out this short form:",
	}
	unsureText = text{
		de: "Ich bin mir nicht sicher. Bitte kontaktieren Sie unser Team.",
		en: "I'm not sure about that. Please contact our team.",
	}
	completeText = text{
		de: "Fast geschafft! Wir brauchen nur noch deine Kontaktdaten:",
		en: "Almost done! We just need your contact details:",
	}
	interruptText = text{
		de: "Alles klar! Dann bräuchten wir nur noch deine Kontaktdaten:",
		en: "All right! We just need your contact details:",
	}
	timelineCapText = text{
		de: "Damit wir dich konkret beraten können, gib bitte noch deinen Zeitraum an — danach erfassen wir kurz deine Kontaktdaten.",
		en: "To help you concretely, please select your timeline — then we’ll just take your contact details.",
	}
	disqualifiedText = text{
		de: "Danke für dein Interesse! Aufgrund deiner Antworten können wir dir leider keine passende Dienstleistung anbieten. Schau aber gerne mal auf unserer Webseite vorbei!",
		en: "Thanks for your interest! Based on your answers we currently have no matching service. Feel free to check our website!",
	}
	invalidAnswerText = text{
		de: "Bitte gültige Eingabe.",
		en: "Please enter a valid answer.",
	}
	leadSuccessText = text{
		de: "Danke! Wir melden uns in Kürze.",
		en: "Thank you! We’ll contact you shortly.",
	}
	leadFailureText = text{
		de: "Senden fehlgeschlagen. Bitte später erneut versuchen.",
		en: "Submission failed. Please try again later.",
	}
)
